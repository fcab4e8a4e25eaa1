package settlement

// DepositRequest is the body of POST /deposits. It must be signed by User.
type DepositRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// WithdrawRequest is the body of POST /withdrawals. It must be signed by the admin.
type WithdrawRequest struct {
	Nonce     uint64 `json:"nonce"`
	User      string `json:"user"`
	Asset     string `json:"asset"`
	Amount    int64  `json:"amount"`
	RequestID string `json:"request_id,omitempty"`
}

// SettleRequest is the body of POST /settlements. It must be signed by the admin.
type SettleRequest struct {
	Nonce        uint64 `json:"nonce"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	AssetSold    string `json:"asset_sold"`
	AmountSold   int64  `json:"amount_sold"`
	AssetBought  string `json:"asset_bought"`
	AmountBought int64  `json:"amount_bought"`
}

// DepositResponse is returned after a committed deposit.
type DepositResponse struct {
	User              string `json:"user"`
	Asset             string `json:"asset"`
	Amount            int64  `json:"amount"`
	Balance           int64  `json:"balance"`
	TransferReference string `json:"transfer_reference"`
	EventID           string `json:"event_id"`
}

// WithdrawResponse is returned after a committed withdrawal.
type WithdrawResponse struct {
	Nonce             uint64 `json:"nonce"`
	NextNonce         uint64 `json:"next_nonce"`
	User              string `json:"user"`
	Asset             string `json:"asset"`
	Amount            int64  `json:"amount"`
	Balance           int64  `json:"balance"`
	TransferReference string `json:"transfer_reference"`
	EventID           string `json:"event_id"`
	RequestID         string `json:"request_id,omitempty"`
}

// SettleResponse is returned after a committed settlement.
type SettleResponse struct {
	Nonce     uint64        `json:"nonce"`
	NextNonce uint64        `json:"next_nonce"`
	Seller    PartyBalances `json:"seller"`
	Buyer     PartyBalances `json:"buyer"`
	EventID   string        `json:"event_id"`
}

// PartyBalances reports one side's post-trade balances.
type PartyBalances struct {
	Principal   string `json:"principal"`
	AssetSold   int64  `json:"asset_sold"`
	AssetBought int64  `json:"asset_bought"`
}

// BalanceResponse is returned by GET /balances/:principal/:asset.
type BalanceResponse struct {
	Principal string `json:"principal"`
	Asset     string `json:"asset"`
	Balance   int64  `json:"balance"`
	Display   string `json:"display"`
	AsOf      string `json:"as_of"`
}

// NonceResponse is returned by GET /nonce.
type NonceResponse struct {
	Nonce uint64 `json:"nonce"`
}

// AssetResponse describes one registered asset.
type AssetResponse struct {
	Asset   string `json:"asset"`
	Address string `json:"address"`
}

// WithdrawalRequestBody is the body of POST /withdrawal-requests. It must be
// signed by User.
type WithdrawalRequestBody struct {
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// RejectRequestBody is the body of POST /withdrawal-requests/:id/reject. It
// must be signed by the admin.
type RejectRequestBody struct {
	Reason string `json:"reason"`
}

// WithdrawalRequestResponse reports a withdrawal request and its status.
type WithdrawalRequestResponse struct {
	ID          string  `json:"id"`
	User        string  `json:"user"`
	Asset       string  `json:"asset"`
	Amount      int64   `json:"amount"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	Nonce       *uint64 `json:"nonce,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ProcessedAt string  `json:"processed_at,omitempty"`
}

// FaucetRequest is the body of the development-only POST /dev/faucet.
type FaucetRequest struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// FaucetResponse reports tokens minted into an external holding.
type FaucetResponse struct {
	Holder string `json:"holder"`
	Asset  string `json:"asset"`
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}
