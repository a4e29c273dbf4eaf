package session

import (
	"context"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// ConnectionClaims is the identity a connection token binds to a socket.
type ConnectionClaims struct {
	UserID       string
	SessionID    string
	ConnectionID string
	ExpiresAt    time.Time
	IssuedAt     time.Time
	Issuer       string
}

// ConnectionTokenVerifier verifies connection tokens.
type ConnectionTokenVerifier interface {
	Verify(ctx context.Context, token string, now time.Time) (ConnectionClaims, error)
	PublicKeyHex() string
}

// ConnectionTokenIssuer mints connection tokens.
type ConnectionTokenIssuer interface {
	Issue(userID, sessionID, connectionID string, now time.Time) (token string, exp time.Time, err error)
}

type pasetoV4Verifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

type pasetoV4Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewPasetoV4PublicVerifier builds a verifier for PASETO v4.public tokens.
//
// It enforces issuer and expiration rules. Clock skew is applied via ValidAt.
func NewPasetoV4PublicVerifier(cfg Config) (ConnectionTokenVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var public paseto.V4AsymmetricPublicKey
	if hex := strings.TrimSpace(cfg.PasetoV4PublicKeyHex); hex != "" {
		k, err := paseto.NewV4AsymmetricPublicKeyFromHex(hex)
		if err != nil {
			return nil, ErrConfig
		}
		public = k
	} else {
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.PasetoV4SecretKeyHex))
		if err != nil {
			return nil, ErrConfig
		}
		public = secret.Public()
	}

	return &pasetoV4Verifier{
		issuer:    cfg.Issuer,
		clockSkew: cfg.ClockSkew,
		public:    public,
	}, nil
}

// NewPasetoV4PublicIssuer builds an issuer from the configured secret key.
func NewPasetoV4PublicIssuer(cfg Config) (ConnectionTokenIssuer, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.PasetoV4SecretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	if cfg.TokenTTL <= 0 || strings.TrimSpace(cfg.Issuer) == "" {
		return nil, ErrConfig
	}
	return &pasetoV4Issuer{issuer: cfg.Issuer, ttl: cfg.TokenTTL, secret: secret}, nil
}

func (v *pasetoV4Verifier) PublicKeyHex() string {
	return v.public.ExportHex()
}

func (m *pasetoV4Issuer) Issue(userID, sessionID, connectionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)
	if connectionID != "" {
		_ = tok.Set("cid", connectionID)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (v *pasetoV4Verifier) Verify(ctx context.Context, token string, now time.Time) (ConnectionClaims, error) {
	if err := ctx.Err(); err != nil {
		return ConnectionClaims{}, err
	}

	// Fresh parser per call so rules do not accumulate. Time claims are
	// checked below so expiry can be reported distinctly.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(v.issuer))

	parsed, err := p.ParseV4Public(v.public, token, nil)
	if err != nil {
		return ConnectionClaims{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil {
		return ConnectionClaims{}, ErrInvalidToken
	}
	if nbf, err := parsed.GetNotBefore(); err == nil && now.Add(v.clockSkew).Before(nbf) {
		return ConnectionClaims{}, ErrInvalidToken
	}
	if !now.Before(exp.Add(v.clockSkew)) {
		return ConnectionClaims{}, ExpiredTokenError{ExpiredAt: exp}
	}

	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return ConnectionClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return ConnectionClaims{}, ErrInvalidToken
	}
	cid, _ := parsed.GetString("cid")

	return ConnectionClaims{
		UserID:       uid,
		SessionID:    sid,
		ConnectionID: cid,
		ExpiresAt:    exp,
		IssuedAt:     iat,
		Issuer:       iss,
	}, nil
}
