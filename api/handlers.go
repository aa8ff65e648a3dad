package api

import (
	"encoding/json"
	"net/http"

	"github.com/otpd/otpd/token"
	"github.com/otpd/otpd/validate"
)

const maxBodySize = 64 << 10

func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return req, false
	}
	return req, true
}

func checkResponse(out *validate.Outcome) CheckResponse {
	resp := CheckResponse{Value: out.Accepted, Serial: out.Serial}
	if out.TransactionID != "" && !out.Accepted {
		resp.Detail = &ChallengeDetail{
			TransactionID:  out.TransactionID,
			TransactionIDs: out.TransactionIDs,
			Message:        out.Message,
		}
		for _, ci := range out.Challenges {
			resp.Detail.Challenges = append(resp.Detail.Challenges, ChallengeItem{
				TransactionID: ci.TransactionID,
				Serial:        ci.Serial,
				Data:          ci.Data,
			})
		}
	}
	return resp
}

// Check handles POST /validate/check.
func (a *API) Check(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CheckRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	opts := token.Options{}
	if req.Serial != "" {
		opts["serial"] = req.Serial
	}
	if req.Type != "" {
		opts["type"] = req.Type
	}
	if req.Data != "" {
		opts["data"] = req.Data
	}

	out, err := a.handler.CheckUser(r.Context(), req.User, req.Realm, req.Pass, opts)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse(out))
}

// CheckSerial handles POST /validate/check_s.
func (a *API) CheckSerial(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CheckSerialRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Serial == "" {
		writeError(w, http.StatusBadRequest, "serial is required")
		return
	}

	opts := token.Options{}
	if req.Data != "" {
		opts["data"] = req.Data
	}

	out, err := a.handler.CheckSerial(r.Context(), req.Serial, req.Pass, opts)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse(out))
}

// CheckTransaction handles POST /validate/check_t.
func (a *API) CheckTransaction(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CheckTransactionRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	out, err := a.handler.CheckTransaction(r.Context(), req.TransactionID, req.Pass, nil)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse(out))
}

// CheckStatus handles GET /validate/check_status. An optional user
// parameter limits the report to that user's own challenges.
func (a *API) CheckStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	transactionID := q.Get("transaction_id")
	if transactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}

	reports, err := a.handler.CheckStatus(r.Context(), transactionID, q.Get("user"), q.Get("realm"))
	if err != nil {
		mapError(w, err)
		return
	}

	resp := CheckStatusResponse{Transactions: make([]TransactionStatus, 0, len(reports))}
	for _, rep := range reports {
		resp.Transactions = append(resp.Transactions, TransactionStatus{
			TransactionID: rep.TransactionID,
			Serial:        rep.Serial,
			State:         rep.State,
			Accepted:      rep.Accepted,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Pair handles POST /validate/pair.
func (a *API) Pair(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PairRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.PairingResponse == "" {
		writeError(w, http.StatusBadRequest, "pairing_response is required")
		return
	}

	if err := a.handler.Pair(r.Context(), req.PairingResponse); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Enroll handles POST /admin/init.
func (a *API) Enroll(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[EnrollRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	res, err := a.handler.Enroll(r.Context(), validate.EnrollRequest{
		Kind:         token.Kind(req.Type),
		Serial:       req.Serial,
		PIN:          req.PIN,
		Login:        req.User,
		Realm:        req.Realm,
		UID:          req.UserID,
		Resolver:     req.Resolver,
		KeyHex:       req.Key,
		Digits:       req.Digits,
		Suite:        req.Suite,
		FailCountMax: req.FailCountMax,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnrollResponse{
		Serial:     res.Serial,
		PairingURL: res.PairingURL,
	})
}

// Resync handles POST /admin/resync.
func (a *API) Resync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ResyncRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Serial == "" || req.OTP1 == "" || req.OTP2 == "" {
		writeError(w, http.StatusBadRequest, "serial, otp1 and otp2 are required")
		return
	}

	ok, err := a.handler.Resync(r.Context(), req.Serial, req.OTP1, req.OTP2)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResyncResponse{Value: ok})
}

// Unpair handles POST /admin/unpair.
func (a *API) Unpair(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UnpairRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.Serial == "" {
		writeError(w, http.StatusBadRequest, "serial is required")
		return
	}

	if err := a.handler.Unpair(r.Context(), req.Serial); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
