package validate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/otpd/otpd/challenge"
	"github.com/otpd/otpd/identity"
	"github.com/otpd/otpd/internal/audit"
	"github.com/otpd/otpd/internal/util"
	"github.com/otpd/otpd/token"
)

// Config tunes challenge creation and the pairing wire format.
type Config struct {
	ChallengeTTL  time.Duration
	PairingScheme string
	TANLength     int
	CallbackURL   string
	CallbackSMS   string
}

func (c Config) ttl() time.Duration {
	if c.ChallengeTTL > 0 {
		return c.ChallengeTTL
	}
	return 2 * time.Minute
}

// Handler wires the engine together. All entry points are safe for
// concurrent use; per-token serialization happens in the token store.
type Handler struct {
	tokens     *token.Store
	challenges challenge.Store
	identities *identity.Resolver
	policy     PolicyDecision
	remote     token.RemoteAuthenticator
	auditor    *audit.Dispatcher
	log        *slog.Logger
	cfg        Config
	now        func() time.Time
}

// Option configures optional collaborators.
type Option func(*Handler)

// WithPolicy replaces the default allow-all policy.
func WithPolicy(p PolicyDecision) Option { return func(h *Handler) { h.policy = p } }

// WithRemote wires the collaborator for remote and radius tokens.
func WithRemote(r token.RemoteAuthenticator) Option { return func(h *Handler) { h.remote = r } }

// WithAudit attaches an audit dispatcher.
func WithAudit(d *audit.Dispatcher) Option { return func(h *Handler) { h.auditor = d } }

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// NewHandler builds a validation handler.
func NewHandler(tokens *token.Store, challenges challenge.Store, identities *identity.Resolver, log *slog.Logger, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		tokens:     tokens,
		challenges: challenges,
		identities: identities,
		policy:     StaticPolicy{},
		log:        log,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// deps builds the checker collaborators. The local authenticator closes
// over the handler so forward tokens re-enter through CheckSerial.
func (h *Handler) deps() token.Deps {
	return token.Deps{
		Remote: h.remote,
		Local:  localAuthenticator{h},
		Now:    h.now,
	}
}

type localAuthenticator struct {
	h *Handler
}

func (l localAuthenticator) CheckSerial(ctx context.Context, serial, secret string) (bool, error) {
	out, err := l.h.CheckSerial(ctx, serial, secret, nil)
	if err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// pinMode asks the policy for the active otppin mode.
func (h *Handler) pinMode(pctx PolicyContext) (PINMode, error) {
	d, err := h.policy.Evaluate("authentication", "otppin", pctx)
	if err != nil {
		return PINModeToken, fmt.Errorf("evaluating otppin: %w", err)
	}
	switch d.Value {
	case "1":
		return PINModePassword, nil
	case "2":
		return PINModeNone, nil
	default:
		return PINModeToken, nil
	}
}

// authorize runs the pre-check. A denial is ErrPolicyDenied and nothing
// has been mutated yet.
func (h *Handler) authorize(pctx PolicyContext) error {
	d, err := h.policy.Evaluate("authentication", "authorize", pctx)
	if err != nil {
		return fmt.Errorf("evaluating authorization: %w", err)
	}
	if !d.Allowed {
		return ErrPolicyDenied
	}
	return nil
}

func (h *Handler) emit(ev audit.Event, out *Outcome, err error) {
	if out != nil {
		if out.Accepted {
			ev.Outcome = "accepted"
		} else if out.TransactionID != "" {
			ev.Outcome = "challenge"
		} else if out.TokenUnavailable {
			ev.Outcome = "unavailable"
		} else {
			ev.Outcome = "rejected"
		}
		ev.Serial = out.Serial
		if ev.TransactionID == "" {
			ev.TransactionID = out.TransactionID
		}
	}
	if err != nil {
		ev.Outcome = "error"
		ev.Error = err.Error()
	}
	h.auditor.Emit(ev)
}

// CheckUser validates a (login, realm) presentation against every
// candidate token the user owns.
func (h *Handler) CheckUser(ctx context.Context, login, realm, secret string, opts token.Options) (out *Outcome, err error) {
	ev := audit.New("check_user")
	ev.Login, ev.Realm = login, realm
	defer func() { h.emit(ev, out, err) }()

	pctx := PolicyContext{Login: login, Realm: realm}
	if err = h.authorize(pctx); err != nil {
		return nil, err
	}

	user, err := h.identities.Resolve(ctx, login, realm)
	if err != nil {
		return nil, err
	}

	creds, err := h.tokens.ListByOwner(user.Login, realm)
	if err != nil {
		return nil, err
	}
	if serial := opts["serial"]; serial != "" {
		creds = filterSerial(creds, serial)
	}
	if kind := opts["type"]; kind != "" {
		creds = filterKind(creds, token.Kind(kind))
	}

	serials := make([]string, 0, len(creds))
	usable := false
	now := h.now()
	for _, c := range creds {
		serials = append(serials, c.Serial)
		if c.Active(now) {
			usable = true
		}
	}
	if !usable {
		out, err := h.passThrough(ctx, pctx, user, secret)
		if err == nil && !out.Accepted {
			out.TokenUnavailable = len(creds) > 0
		}
		return out, err
	}
	return h.checkCandidates(ctx, pctx, serials, user, secret, opts)
}

// passThrough handles users without a usable token. When policy grants
// pass-through the secret is checked against the directory password;
// otherwise the attempt is a plain rejection.
func (h *Handler) passThrough(ctx context.Context, pctx PolicyContext, user *identity.Record, secret string) (*Outcome, error) {
	d, err := h.policy.Evaluate("authentication", "passthru", pctx)
	if err != nil {
		return nil, fmt.Errorf("evaluating passthru: %w", err)
	}
	if !d.Allowed {
		return &Outcome{}, nil
	}
	ok, err := h.identities.CheckPassword(ctx, user, secret)
	if err != nil {
		return nil, err
	}
	return &Outcome{Accepted: ok}, nil
}

// CheckSerial validates against a single token, bypassing user
// resolution.
func (h *Handler) CheckSerial(ctx context.Context, serial, secret string, opts token.Options) (out *Outcome, err error) {
	ev := audit.New("check_serial")
	ev.Serial = serial
	defer func() { h.emit(ev, out, err) }()

	pctx := PolicyContext{Serial: serial}
	if err = h.authorize(pctx); err != nil {
		return nil, err
	}

	// Surface unknown serials before touching anything.
	cred, err := h.tokens.Get(serial)
	if err != nil {
		return nil, err
	}

	var user *identity.Record
	if cred.Owner != nil && cred.Owner.UID != "" {
		// Needed only for the directory-password PIN mode; resolution
		// failures matter there, not here.
		user, _ = h.identities.ResolveByID(ctx, cred.Owner.UID, cred.Owner.Resolver)
	}
	return h.checkCandidates(ctx, pctx, []string{serial}, user, secret, opts)
}

// candidateResult records what happened to one tried token.
type candidateResult struct {
	serial    string
	inactive  bool
	pinMatch  bool
	accepted  bool
	spec      *challenge.Spec
	failCount int
}

// checkCandidates runs the shared check-and-apply-outcome routine. Each
// candidate is checked and mutated inside its own store transaction;
// on overall success a second pass resets the fail counter of every
// PIN-matching token that was tried.
func (h *Handler) checkCandidates(ctx context.Context, pctx PolicyContext, serials []string, user *identity.Record, secret string, opts token.Options) (*Outcome, error) {
	mode, err := h.pinMode(pctx)
	if err != nil {
		return nil, err
	}

	now := h.now()
	results := make([]candidateResult, 0, len(serials))

	for _, serial := range serials {
		r := candidateResult{serial: serial}
		err := h.tokens.Update(serial, func(c *token.Credential) error {
			if !c.Active(now) {
				r.inactive = true
				return nil
			}
			pin, otp := splitSecret(c, secret, mode)

			ok, err := h.pinMatches(ctx, c, user, pin, mode)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			r.pinMatch = true
			c.CountAuth++

			checker, err := token.NewChecker(c, h.deps())
			if err != nil {
				return err
			}
			res, err := checker.Authenticate(ctx, otp, opts)
			if err != nil {
				return err
			}

			switch res.Status {
			case token.StatusChallengeTriggered:
				r.spec = res.Challenge
			case token.StatusAccepted:
				// A locked-out or used-up token rejects a correct OTP;
				// the fail counter keeps counting in that case.
				if c.FailCountExceeded() || c.AuthCountExhausted() {
					c.FailCount++
				} else {
					r.accepted = true
					c.CountAuthSuccess++
					c.FailCount = 0
				}
			default:
				c.FailCount++
			}
			r.failCount = c.FailCount
			return nil
		})
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return h.applyOutcome(ctx, results)
}

// applyOutcome aggregates per-token results into one Outcome and
// enforces the cross-token counter invariants.
func (h *Handler) applyOutcome(ctx context.Context, results []candidateResult) (*Outcome, error) {
	out := &Outcome{}
	var specs []challenge.Spec
	var challenged []candidateResult

	out.TokenUnavailable = len(results) > 0
	for _, r := range results {
		if !r.inactive {
			out.TokenUnavailable = false
		}
	}

	for _, r := range results {
		if r.accepted && !out.Accepted {
			out.Accepted = true
			out.Serial = r.serial
		}
		if r.spec != nil {
			specs = append(specs, *r.spec)
			challenged = append(challenged, r)
		}
		if r.pinMatch {
			out.FailCount = r.failCount
		}
	}

	if out.Accepted {
		// Success resets the fail counter on every PIN-matching token
		// that was tried, not just the winner.
		for _, r := range results {
			if !r.pinMatch {
				continue
			}
			err := h.tokens.Update(r.serial, func(c *token.Credential) error {
				c.FailCount = 0
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		out.FailCount = 0
		return out, nil
	}

	if len(specs) > 0 {
		for i := range specs {
			specs[i].TTL = h.cfg.ttl()
		}
		chs, err := h.challenges.CreateSet(ctx, specs)
		if err != nil {
			return nil, err
		}
		for i, ch := range chs {
			extra, err := h.finalizeChallenge(ctx, challenged[i].serial, ch)
			if err != nil {
				return nil, err
			}
			out.TransactionIDs = append(out.TransactionIDs, ch.TransactionID)
			out.Challenges = append(out.Challenges, ChallengeInfo{
				TransactionID: ch.TransactionID,
				Serial:        challenged[i].serial,
				Data:          presentationData(ch.Data, extra),
			})
		}
		parent, _ := challenge.SplitID(chs[0].TransactionID)
		out.TransactionID = parent
		out.Message = chs[0].Message
		return out, nil
	}

	return out, nil
}

// finalizeChallenge runs the post-creation step a kind may need once
// the transaction id exists. QR tokens build the encrypted challenge
// URL here and store the expected answer with the challenge record.
func (h *Handler) finalizeChallenge(ctx context.Context, serial string, ch *challenge.Challenge) (map[string]string, error) {
	cred, err := h.tokens.Get(serial)
	if err != nil {
		return nil, err
	}
	if cred.Kind != token.KindQR {
		return nil, nil
	}

	issued, err := token.ComposeQRChallenge(cred, ch, h.cfg.PairingScheme)
	if err != nil {
		return nil, err
	}
	data := map[string]string{
		"signature": util.EncodeBase64URL(issued.ClientSignature),
		"url":       issued.URL,
	}
	return data, h.challenges.SetData(ctx, ch.TransactionID, data)
}

// presentationKeys is the allowlist of challenge data safe to return to
// the requesting client. The expected signature stays server-side.
var presentationKeys = []string{"question", "url"}

func presentationData(sets ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, set := range sets {
		for _, k := range presentationKeys {
			if v, ok := set[k]; ok && v != "" {
				out[k] = v
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CheckTransaction routes a challenge response to the owning token and
// resolves the challenge at most once.
func (h *Handler) CheckTransaction(ctx context.Context, transactionID, secret string, opts token.Options) (out *Outcome, err error) {
	ev := audit.New("check_transaction")
	ev.TransactionID = transactionID
	defer func() { h.emit(ev, out, err) }()

	chs, err := h.challenges.Lookup(ctx, transactionID, true)
	if err != nil {
		return nil, err
	}

	out = &Outcome{TransactionID: transactionID}
	for _, ch := range chs {
		var res token.CheckResult
		err := h.tokens.Update(ch.TokenSerial, func(c *token.Credential) error {
			checker, err := token.NewChecker(c, h.deps())
			if err != nil {
				return err
			}
			res, err = checker.VerifyChallengeResponse(ctx, ch, secret)
			if err != nil {
				return err
			}

			if res.Status == token.StatusAccepted {
				if c.FailCountExceeded() || c.AuthCountExhausted() {
					res = token.Rejected
					c.FailCount++
					return nil
				}
				// The challenge may already be answered by a racing
				// request; only the winner credits the success.
				won, err := h.challenges.Resolve(ctx, ch.TransactionID, true)
				if err != nil {
					return err
				}
				if !won {
					res = token.Rejected
					return nil
				}
				c.CountAuth++
				c.CountAuthSuccess++
				c.FailCount = 0
			} else {
				c.FailCount++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if res.Status == token.StatusAccepted {
			out.Accepted = true
			out.Serial = ch.TokenSerial
			return out, nil
		}
	}
	return out, nil
}

// CheckStatus reports challenge states without consuming anything. A
// non-empty login scopes the report to challenges of tokens that user
// owns; challenges of other users stay invisible.
func (h *Handler) CheckStatus(ctx context.Context, transactionID, login, realm string) (reports []StatusReport, err error) {
	ev := audit.New("check_status")
	ev.TransactionID = transactionID
	ev.Login, ev.Realm = login, realm
	defer func() {
		ev.Outcome = "reported"
		if err != nil {
			ev.Outcome = "error"
			ev.Error = err.Error()
		}
		h.auditor.Emit(ev)
	}()

	chs, err := h.challenges.Lookup(ctx, transactionID, false)
	if err != nil {
		return nil, err
	}
	for _, ch := range chs {
		if login != "" && !h.ownedBy(ch.TokenSerial, login, realm) {
			continue
		}
		reports = append(reports, StatusReport{
			TransactionID: ch.TransactionID,
			Serial:        ch.TokenSerial,
			State:         string(ch.State),
			Accepted:      ch.Accepted,
		})
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("%s: %w", transactionID, challenge.ErrNotFound)
	}
	return reports, nil
}

// ownedBy reports whether a token belongs to the given user.
func (h *Handler) ownedBy(serial, login, realm string) bool {
	c, err := h.tokens.Get(serial)
	if err != nil || c.Owner == nil {
		return false
	}
	if c.Owner.Login != login {
		return false
	}
	return realm == "" || c.Owner.Realm == realm
}

// pinMatches applies the active PIN mode to the PIN part.
func (h *Handler) pinMatches(ctx context.Context, c *token.Credential, user *identity.Record, pin string, mode PINMode) (bool, error) {
	if c.DelegatesPIN() {
		return true, nil
	}
	switch mode {
	case PINModeNone:
		return true, nil
	case PINModePassword:
		if user == nil {
			return false, fmt.Errorf("%w: no directory identity for %s", identity.ErrNotFound, c.Serial)
		}
		return h.identities.CheckPassword(ctx, user, pin)
	default:
		return c.MatchesPIN(pin), nil
	}
}

// splitSecret separates the presented secret into PIN and OTP parts.
// In token-PIN mode the stored PIN's length decides the split; in
// password mode the OTP length does, since the password length is
// unknown. PIN-less mode passes the whole secret as OTP, as do the
// proxying kinds when the target owns the PIN check.
func splitSecret(c *token.Credential, secret string, mode PINMode) (pin, otp string) {
	if c.DelegatesPIN() {
		return "", secret
	}
	switch mode {
	case PINModeNone:
		return "", secret
	case PINModePassword:
		n := otpLength(c)
		if n == 0 || len(secret) < n {
			return secret, ""
		}
		return secret[:len(secret)-n], secret[len(secret)-n:]
	default:
		if len(secret) < len(c.PIN) {
			return secret, ""
		}
		return secret[:len(c.PIN)], secret[len(c.PIN):]
	}
}

// otpLength returns the expected OTP length of a credential, or 0 when
// the kind has none.
func otpLength(c *token.Credential) int {
	switch c.Kind {
	case token.KindHOTP, token.KindTOTP:
		if c.OTP != nil && c.OTP.Digits > 0 {
			return c.OTP.Digits
		}
		return 6
	case token.KindPassword:
		return len(c.Secret)
	default:
		return 0
	}
}

func filterSerial(creds []*token.Credential, serial string) []*token.Credential {
	var out []*token.Credential
	for _, c := range creds {
		if c.Serial == serial {
			out = append(out, c)
		}
	}
	return out
}

func filterKind(creds []*token.Credential, kind token.Kind) []*token.Credential {
	var out []*token.Credential
	for _, c := range creds {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

