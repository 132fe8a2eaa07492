// Package identity implements the C3 federated token verifier: RS256
// JWTs checked against a remote JWKS, with positive/negative key
// caching and one-time-use enforcement via the repository's JTI
// records. Grounded on services/policy-service's go.mod, which already
// carries the full lestrrat-go/jwx/v3 + httprc/v3 stack for exactly
// this purpose — unwired in the teacher's own main.go, so this package
// is the first thing in this tree to actually call it.
package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jws"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bayesguard/bayes-engine/internal/bayeserr"
	"github.com/bayesguard/bayes-engine/internal/store"
)

const skew = 60 * time.Second

// Claims is the verified subject record returned on success.
type Claims struct {
	Subject              string
	Repository           string
	RepositoryVisibility string
	EventName            string
	JTI                  string
	ExpiresAt            time.Time
}

// Config parameterizes one Verifier instance.
type Config struct {
	Issuer      string
	JWKSURL     string
	PositiveTTL time.Duration
	NegativeTTL time.Duration
}

// Verifier validates bearer tokens per the C3 contract.
type Verifier struct {
	cfg    Config
	repo   store.Repository
	client *httprc.Client

	mu       sync.RWMutex
	positive map[string]cachedKey // kid -> key, valid until expiry
	negative map[string]time.Time // kid -> expiry of a "key not found" verdict

	rejections metric.Int64Counter
	keyFetches metric.Int64Counter
}

type cachedKey struct {
	key    jwk.Key
	expiry time.Time
}

// New constructs a Verifier. httpClient may be nil to use http.DefaultClient.
func New(cfg Config, repo store.Repository, httpClient *http.Client) *Verifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	m := otel.Meter("bayes-engine")
	rejections, _ := m.Int64Counter("bayes_identity_rejections_total")
	keyFetches, _ := m.Int64Counter("bayes_identity_jwks_fetches_total")
	return &Verifier{
		cfg:        cfg,
		repo:       repo,
		client:     httprc.NewClient(httprc.WithHTTPClient(httpClient)),
		positive:   make(map[string]cachedKey),
		negative:   make(map[string]time.Time),
		rejections: rejections,
		keyFetches: keyFetches,
	}
}

func (v *Verifier) reject(ctx context.Context, kind bayeserr.Kind, msg string) error {
	v.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	return bayeserr.New(kind, msg)
}

// Verify runs the full seven-step contract and returns the verified
// subject on success.
func (v *Verifier) Verify(ctx context.Context, token string, expectedAudience string) (Claims, error) {
	// Step 1: header. jws.Parse never verifies the signature — it only
	// exposes the protected header so we know which key to fetch.
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return Claims{}, v.reject(ctx, bayeserr.KindMalformedToken, "malformed token")
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return Claims{}, v.reject(ctx, bayeserr.KindMalformedToken, "expected exactly one signature")
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr.Algorithm() != jwa.RS256() {
		return Claims{}, v.reject(ctx, bayeserr.KindMalformedToken, "unsupported algorithm")
	}
	kid := hdr.KeyID()
	if kid == "" {
		return Claims{}, v.reject(ctx, bayeserr.KindMalformedToken, "missing kid")
	}

	// Steps 2-3: resolve the key (cached, TTL'd) and verify the signature.
	key, err := v.resolveKey(ctx, kid)
	if err != nil {
		return Claims{}, v.reject(ctx, bayeserr.KindKeyNotFound, "unknown kid")
	}
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.RS256(), key),
		jwt.WithValidate(false), // validated by hand below for precise rejection kinds
	)
	if err != nil {
		return Claims{}, v.reject(ctx, bayeserr.KindBadSignature, "signature verification failed")
	}

	// Step 4: iss/aud/exp/iat/nbf.
	if tok.Issuer() != v.cfg.Issuer {
		return Claims{}, v.reject(ctx, bayeserr.KindBadIssuer, "unexpected issuer")
	}
	if !hasAudience(tok, expectedAudience) {
		return Claims{}, v.reject(ctx, bayeserr.KindBadAudience, "unexpected audience")
	}
	now := time.Now()
	if exp := tok.Expiration(); exp.IsZero() || now.After(exp) {
		return Claims{}, v.reject(ctx, bayeserr.KindExpired, "token expired")
	}
	if iat := tok.IssuedAt(); !iat.IsZero() && iat.After(now.Add(skew)) {
		return Claims{}, v.reject(ctx, bayeserr.KindExpired, "issued-at too far in the future")
	}
	if nbf := tok.NotBefore(); !nbf.IsZero() && now.Add(skew).Before(nbf) {
		return Claims{}, v.reject(ctx, bayeserr.KindExpired, "token not yet valid")
	}

	// Step 5: required claims.
	repo, _ := tok.Get("repository")
	repoName, _ := repo.(string)
	if repoName == "" {
		return Claims{}, v.reject(ctx, bayeserr.KindMissingClaim, "missing repository claim")
	}
	vis, _ := tok.Get("repository_visibility")
	visStr, _ := vis.(string)
	if visStr == "" {
		return Claims{}, v.reject(ctx, bayeserr.KindMissingClaim, "missing repository_visibility claim")
	}
	evt, _ := tok.Get("event_name")
	evtStr, _ := evt.(string)
	if evtStr == "" {
		return Claims{}, v.reject(ctx, bayeserr.KindMissingClaim, "missing event_name claim")
	}
	// Whether this visibility/event_name combination is actually allowed
	// past the gate is a policy decision, not an authentication one — left
	// to internal/policy, evaluated by the caller (C4).
	jti, _ := tok.Get("jti")
	jtiStr, _ := jti.(string)
	if jtiStr == "" {
		return Claims{}, v.reject(ctx, bayeserr.KindMissingClaim, "missing jti claim")
	}

	// Step 6: one-time use.
	accepted, err := v.repo.ClaimJTI(ctx, jtiStr, tok.Expiration())
	if err != nil {
		return Claims{}, bayeserr.Wrap(bayeserr.KindTransient, "jti claim failed", err)
	}
	if !accepted {
		return Claims{}, v.reject(ctx, bayeserr.KindReplay, "token already used")
	}

	return Claims{
		Subject:              tok.Subject(),
		Repository:           repoName,
		RepositoryVisibility: visStr,
		EventName:            evtStr,
		JTI:                  jtiStr,
		ExpiresAt:            tok.Expiration(),
	}, nil
}

func hasAudience(tok jwt.Token, expected string) bool {
	for _, a := range tok.Audience() {
		if a == expected {
			return true
		}
	}
	return false
}

// resolveKey returns the public key for kid, serving from the positive
// cache, short-circuiting via the negative cache, and otherwise
// refetching the whole JWKS document synchronously — per the C3 cache
// contract (10-minute positive TTL, 1-minute negative TTL by default).
func (v *Verifier) resolveKey(ctx context.Context, kid string) (jwk.Key, error) {
	now := time.Now()
	v.mu.RLock()
	if ck, ok := v.positive[kid]; ok && now.Before(ck.expiry) {
		v.mu.RUnlock()
		return ck.key, nil
	}
	if exp, ok := v.negative[kid]; ok && now.Before(exp) {
		v.mu.RUnlock()
		return nil, fmt.Errorf("identity: kid %q negatively cached", kid)
	}
	v.mu.RUnlock()

	set, err := v.fetchSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity: jwks fetch: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		v.positive[k.KeyID()] = cachedKey{key: k, expiry: now.Add(v.cfg.PositiveTTL)}
	}
	if ck, ok := v.positive[kid]; ok {
		return ck.key, nil
	}
	v.negative[kid] = now.Add(v.cfg.NegativeTTL)
	return nil, fmt.Errorf("identity: kid %q not present in jwks", kid)
}

func (v *Verifier) fetchSet(ctx context.Context) (jwk.Set, error) {
	v.keyFetches.Add(ctx, 1)
	body, err := v.client.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	return jwk.Parse(body)
}
