package model

// UpdateOutcome records how the pipeline handled one license sale.
type UpdateOutcome struct {
	RunID        string `json:"run_id"`
	SaleTxHash   string `json:"sale_tx_hash"`
	SaleLogIndex uint64 `json:"sale_log_index"`
	BlockNumber  uint64 `json:"block_number"`
	VaultAddress string `json:"vault_address"`
	IPID         string `json:"ip_id"`
	Licensee     string `json:"licensee"`
	SaleAmount   string `json:"sale_amount"`
	LicenseType  string `json:"license_type"`
	PreviousCVS  string `json:"previous_cvs,omitempty"`
	Increment    string `json:"increment,omitempty"`
	NewCVS       string `json:"new_cvs,omitempty"`
	UpdateTxHash string `json:"update_tx_hash,omitempty"`
	State        State  `json:"state"`
	FailedAt     State  `json:"failed_at,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	Error        string `json:"error,omitempty"`
	ProcessedAt  string `json:"processed_at"`
}

// Succeeded reports whether the update reached the verified state.
func (o UpdateOutcome) Succeeded() bool {
	return o.State == StateVerified
}
