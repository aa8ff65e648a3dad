package api

// CheckRequest is the JSON body for POST /validate/check.
type CheckRequest struct {
	User  string `json:"user"`
	Realm string `json:"realm,omitempty"`
	Pass  string `json:"pass"`

	// Serial and Type narrow the candidate tokens.
	Serial string `json:"serial,omitempty"`
	Type   string `json:"type,omitempty"`

	// Data carries the transaction text for challenge kinds.
	Data string `json:"data,omitempty"`
}

// CheckSerialRequest is the JSON body for POST /validate/check_s.
type CheckSerialRequest struct {
	Serial string `json:"serial"`
	Pass   string `json:"pass"`
	Data   string `json:"data,omitempty"`
}

// CheckTransactionRequest is the JSON body for POST /validate/check_t.
type CheckTransactionRequest struct {
	TransactionID string `json:"transaction_id"`
	Pass          string `json:"pass"`
}

// CheckResponse is returned from all validation posts. Detail is only
// present when a challenge was triggered.
type CheckResponse struct {
	Value  bool             `json:"value"`
	Serial string           `json:"serial,omitempty"`
	Detail *ChallengeDetail `json:"detail,omitempty"`
}

// ChallengeDetail describes a pending challenge set.
type ChallengeDetail struct {
	TransactionID  string          `json:"transaction_id"`
	TransactionIDs []string        `json:"transaction_ids,omitempty"`
	Message        string          `json:"message,omitempty"`
	Challenges     []ChallengeItem `json:"challenges,omitempty"`
}

// ChallengeItem is what the client needs to answer one challenge: the
// OCRA question, or the QR challenge URL to display.
type ChallengeItem struct {
	TransactionID string            `json:"transaction_id"`
	Serial        string            `json:"serial"`
	Data          map[string]string `json:"data,omitempty"`
}

// CheckStatusResponse is returned from GET /validate/check_status.
type CheckStatusResponse struct {
	Transactions []TransactionStatus `json:"transactions"`
}

// TransactionStatus reports one challenge for polling clients.
type TransactionStatus struct {
	TransactionID string `json:"transaction_id"`
	Serial        string `json:"serial"`
	State         string `json:"state"`
	Accepted      bool   `json:"accepted"`
}

// PairRequest is the JSON body for POST /validate/pair.
type PairRequest struct {
	PairingResponse string `json:"pairing_response"`
}

// EnrollRequest is the JSON body for POST /admin/init.
type EnrollRequest struct {
	Type   string `json:"type"`
	Serial string `json:"serial,omitempty"`
	PIN    string `json:"pin,omitempty"`

	User     string `json:"user,omitempty"`
	Realm    string `json:"realm,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Resolver string `json:"resolver,omitempty"`

	Key    string `json:"key,omitempty"`
	Digits int    `json:"digits,omitempty"`
	Suite  string `json:"suite,omitempty"`

	FailCountMax int `json:"fail_count_max,omitempty"`
}

// EnrollResponse is returned from POST /admin/init.
type EnrollResponse struct {
	Serial     string `json:"serial"`
	PairingURL string `json:"pairing_url,omitempty"`
}

// ResyncRequest is the JSON body for POST /admin/resync.
type ResyncRequest struct {
	Serial string `json:"serial"`
	OTP1   string `json:"otp1"`
	OTP2   string `json:"otp2"`
}

// ResyncResponse is returned from POST /admin/resync.
type ResyncResponse struct {
	Value bool `json:"value"`
}

// UnpairRequest is the JSON body for POST /admin/unpair.
type UnpairRequest struct {
	Serial string `json:"serial"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
