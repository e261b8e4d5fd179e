package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/n3nlabs/n3n/runtime/fault"
)

// DeviceProtocolPrefix marks a device token carried in the WebSocket
// subprotocol list, for agent runtimes that cannot set headers.
const DeviceProtocolPrefix = "n3n-device."

// DeviceTokenHeader carries the device token when the client can set headers.
const DeviceTokenHeader = "X-Device-Token"

// JWTVerifier authenticates event subscribers from HS256 bearer tokens.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier over the shared signing secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, fault.New(fault.Validation, "jwt secret is required")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and returns the subject user id.
func (v *JWTVerifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fault.Wrap(fault.PermissionDenied, "invalid bearer token", err)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fault.New(fault.PermissionDenied, "bearer token missing subject")
	}
	return sub, nil
}

// bearerToken extracts the JWT from the Authorization header or, for browser
// WebSocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// deviceToken extracts the agent's device token from the query, the header,
// or the subprotocol list, in that order. The second return is the matched
// subprotocol, which the upgrade must echo.
func deviceToken(r *http.Request) (token, subprotocol string) {
	if tok := r.URL.Query().Get("deviceToken"); tok != "" {
		return tok, ""
	}
	if tok := r.Header.Get(DeviceTokenHeader); tok != "" {
		return tok, ""
	}
	for _, proto := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if tok, ok := strings.CutPrefix(proto, DeviceProtocolPrefix); ok {
			return tok, proto
		}
	}
	return "", ""
}

// DeviceResolver authenticates device tokens. *devchan.Service implements it.
type DeviceResolver interface {
	ResolveDeviceToken(ctx context.Context, token string) (userID, deviceID string, err error)
}
