package devchan

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/pack"
	"github.com/n3nlabs/n3n/runtime/store"
	"github.com/n3nlabs/n3n/runtime/telemetry"
	"github.com/n3nlabs/n3n/runtime/values"
)

// hkdfInfo binds derived keys to this protocol generation.
const hkdfInfo = "n3n-agent-v1"

// freshnessWindow bounds how far a message timestamp may drift from the
// receiver's clock in either direction.
const freshnessWindow = 5 * time.Minute

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

type (
	// Service owns the secure device channel: pairing, sealing, opening,
	// and revocation. Safe for concurrent use.
	Service struct {
		store     store.Store
		transport Transport
		logger    telemetry.Logger
		clock     func() time.Time
		rand      io.Reader
		cache     *keyCache

		outMu sync.Mutex
		out   map[string]uint64
	}

	// Options configures a Service.
	Options struct {
		// Store persists device keys and registration tokens. Required.
		Store store.Store
		// Transport delivers sealed envelopes to connected devices.
		// Optional; without it SendToDevice fails.
		Transport Transport
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
		// Clock is optional; nil means time.Now. Tests inject a fake.
		Clock func() time.Time
		// Rand is optional; nil means crypto/rand.
		Rand io.Reader
	}

	// Transport pushes a sealed envelope to a connected device.
	Transport interface {
		Deliver(ctx context.Context, deviceID string, envelope string) error
	}

	// RegisterRequest is the agent's pairing submission.
	RegisterRequest struct {
		Token        string `json:"token"`
		DeviceID     string `json:"deviceId"`
		DeviceName   string `json:"deviceName"`
		Platform     string `json:"platform"`
		DevicePubKey string `json:"devicePubKey"`
		Fingerprint  string `json:"deviceFingerprint"`
	}

	// RegisterResponse carries the platform half of the pairing.
	RegisterResponse struct {
		PlatformPubKey      string `json:"platformPubKey"`
		PlatformFingerprint string `json:"platformFingerprint"`
		DeviceToken         string `json:"deviceToken"`
	}
)

// New constructs the device channel service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.Validation, "store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Service{
		store:     opts.Store,
		transport: opts.Transport,
		logger:    opts.Logger,
		clock:     opts.Clock,
		rand:      opts.Rand,
		cache:     newKeyCache(opts.Store),
		out:       map[string]uint64{},
	}, nil
}

// IssueToken mints a one-time pairing token for a user. The raw token is
// returned exactly once; only its SHA-256 hash is stored.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, raw); err != nil {
		return "", fault.Wrap(fault.HandlerError, "generate token", err)
	}
	token := b64.EncodeToString(raw)
	if err := s.store.CreateRegistrationToken(ctx, &flow.RegistrationToken{
		TokenHash: hashToken(token),
		UserID:    userID,
		Status:    flow.TokenPending,
		CreatedAt: s.clock(),
	}); err != nil {
		return "", err
	}
	return token, nil
}

// Register pairs a device: consumes the one-time token, performs X25519 key
// agreement against the device's public key, derives the three channel keys
// with HKDF-SHA256, and persists the DeviceKey. The token flip is atomic, so
// concurrent registrations with the same token yield exactly one winner.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.DeviceID == "" {
		return nil, fault.New(fault.Validation, "deviceId is required")
	}
	devicePub, err := b64.DecodeString(req.DevicePubKey)
	if err != nil || len(devicePub) != keySize {
		return nil, fault.New(fault.Validation, "devicePubKey must be 32 base64url bytes")
	}

	token, err := s.store.ConsumeRegistrationToken(ctx, hashToken(req.Token))
	if err != nil {
		return nil, err
	}

	platformPriv := make([]byte, keySize)
	if _, err := io.ReadFull(s.rand, platformPriv); err != nil {
		return nil, fault.Wrap(fault.HandlerError, "generate keypair", err)
	}
	platformPub, err := curve25519.X25519(platformPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fault.Wrap(fault.HandlerError, "derive public key", err)
	}
	shared, err := curve25519.X25519(platformPriv, devicePub)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "key agreement failed", err)
	}

	salt := []byte(req.DeviceID + token.UserID)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	keys := make([]byte, 3*keySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fault.Wrap(fault.HandlerError, "derive channel keys", err)
	}

	now := s.clock()
	k := &flow.DeviceKey{
		DeviceID:     req.DeviceID,
		UserID:       token.UserID,
		DeviceName:   req.DeviceName,
		Platform:     req.Platform,
		Fingerprint:  req.Fingerprint,
		EncKeyC2S:    keys[:keySize],
		EncKeyS2C:    keys[keySize : 2*keySize],
		AuthKey:      keys[2*keySize:],
		PairedAt:     now,
		LastActiveAt: now,
	}
	if err := s.store.StoreDeviceKey(ctx, k); err != nil {
		return nil, err
	}
	s.cache.put(k)

	fp := sha256.Sum256(platformPub)
	s.logger.Info(ctx, "device paired", "device_id", req.DeviceID, "user_id", token.UserID)
	return &RegisterResponse{
		PlatformPubKey:      b64.EncodeToString(platformPub),
		PlatformFingerprint: b64.EncodeToString(fp[:]),
		DeviceToken:         deviceToken(k.AuthKey, req.DeviceID),
	}, nil
}

// Seal encrypts a payload for a device in the given direction. Sealing for a
// revoked device fails immediately.
func (s *Service) Seal(ctx context.Context, deviceID string, dir Direction, payload values.Map) (string, error) {
	var env string
	err := s.cache.with(ctx, deviceID, func(k *flow.DeviceKey) error {
		if k.Revoked {
			return fault.Newf(fault.Revoked, "device %s is revoked", deviceID)
		}
		key, err := directionKey(k, dir)
		if err != nil {
			return err
		}

		nonce := make([]byte, nonceSize)
		if _, err := io.ReadFull(s.rand, nonce); err != nil {
			return fault.Wrap(fault.HandlerError, "generate nonce", err)
		}
		header := Header{
			V:     Version,
			Alg:   Alg,
			DID:   deviceID,
			TS:    s.clock().Unix(),
			Seq:   s.nextSeq(deviceID),
			Nonce: b64.EncodeToString(nonce),
			Dir:   dir,
		}
		headerRaw, err := pack.Canonical(header)
		if err != nil {
			return fault.Wrap(fault.HandlerError, "serialize header", err)
		}
		plaintext, err := payload.JSON()
		if err != nil {
			return fault.Wrap(fault.Validation, "serialize payload", err)
		}

		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		sealed := gcm.Seal(nil, nonce, plaintext, headerRaw)
		env = encodeEnvelope(headerRaw, sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:])
		return nil
	})
	if err != nil {
		return "", err
	}
	return env, nil
}

// Open validates and decrypts an inbound envelope. Checks run in a fixed
// order: protocol version, device existence and revocation, freshness,
// direction, replay, then AEAD authentication. Only c2s envelopes are
// accepted: the direction check runs before the replay check so a reflected
// server-sealed envelope can never advance the inbound sequence counter.
// Success advances lastSequence and lastActiveAt atomically with the replay
// check.
func (s *Service) Open(ctx context.Context, env string) (values.Map, *Header, error) {
	parsed, err := decodeEnvelope(env)
	if err != nil {
		return nil, nil, err
	}
	h := parsed.header
	if h.V != Version {
		return nil, nil, fault.Newf(fault.UnsupportedVersion, "unsupported envelope version %d", h.V)
	}
	if h.Alg != Alg {
		return nil, nil, fault.Newf(fault.UnsupportedVersion, "unsupported algorithm %q", h.Alg)
	}

	var payload values.Map
	err = s.cache.with(ctx, h.DID, func(k *flow.DeviceKey) error {
		if k.Revoked {
			return fault.Newf(fault.Revoked, "device %s is revoked", h.DID)
		}
		now := s.clock()
		drift := now.Unix() - h.TS
		if drift < 0 {
			drift = -drift
		}
		if drift > int64(freshnessWindow/time.Second) {
			return fault.New(fault.Expired, "message outside freshness window")
		}
		if h.Dir != DirC2S {
			return fault.Newf(fault.Validation, "envelope direction %q not accepted inbound", h.Dir)
		}
		if h.Seq <= k.LastSequence {
			return fault.Newf(fault.Replay, "sequence %d already consumed", h.Seq)
		}

		key, err := directionKey(k, h.Dir)
		if err != nil {
			return err
		}
		nonce, err := b64.DecodeString(h.Nonce)
		if err != nil || len(nonce) != nonceSize {
			return fault.New(fault.Validation, "nonce must be 12 base64url bytes")
		}
		gcm, err := newGCM(key)
		if err != nil {
			return err
		}
		sealed := append(append([]byte(nil), parsed.ciphertext...), parsed.tag...)
		plaintext, err := gcm.Open(nil, nonce, sealed, parsed.headerRaw)
		if err != nil {
			return fault.New(fault.Tampered, "message failed authentication")
		}
		payload, err = values.FromJSON(plaintext)
		if err != nil {
			return fault.Wrap(fault.Validation, "decode payload", err)
		}

		k.LastSequence = h.Seq
		k.LastActiveAt = now
		return s.store.UpdateDeviceKey(ctx, k)
	})
	if err != nil {
		return nil, nil, err
	}
	return payload, &h, nil
}

// Revoke marks a device key revoked. Subsequent Seal and Open calls fail
// immediately; the key is never reactivated.
func (s *Service) Revoke(ctx context.Context, deviceID string) error {
	err := s.cache.with(ctx, deviceID, func(k *flow.DeviceKey) error {
		k.Revoked = true
		return s.store.UpdateDeviceKey(ctx, k)
	})
	if err != nil {
		return err
	}
	// A revoked device has no further traffic to serve; evict its cached
	// key so later access reloads the revoked record from the store.
	s.cache.drop(deviceID)
	s.logger.Info(ctx, "device revoked", "device_id", deviceID)
	return nil
}

// ResolveDeviceToken authenticates a device token from a WebSocket handshake
// and returns the (userID, deviceID) pair it proves.
func (s *Service) ResolveDeviceToken(ctx context.Context, token string) (userID, deviceID string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", "", fault.New(fault.PermissionDenied, "malformed device token")
	}
	rawID, err := b64.DecodeString(parts[0])
	if err != nil {
		return "", "", fault.New(fault.PermissionDenied, "malformed device token")
	}
	mac, err := b64.DecodeString(parts[1])
	if err != nil {
		return "", "", fault.New(fault.PermissionDenied, "malformed device token")
	}

	id := string(rawID)
	err = s.cache.with(ctx, id, func(k *flow.DeviceKey) error {
		if k.Revoked {
			return fault.Newf(fault.Revoked, "device %s is revoked", id)
		}
		expected := hmac.New(sha256.New, k.AuthKey)
		expected.Write(rawID)
		if !hmac.Equal(mac, expected.Sum(nil)) {
			return fault.New(fault.PermissionDenied, "device token authentication failed")
		}
		userID = k.UserID
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return userID, id, nil
}

// SendToDevice seals a typed message for a device and delivers it through
// the configured transport. It satisfies the deviceSend handler's sender
// contract.
func (s *Service) SendToDevice(ctx context.Context, deviceID, msgType string, payload values.Map) error {
	if s.transport == nil {
		return fault.New(fault.NotFound, "no device transport configured")
	}
	env, err := s.Seal(ctx, deviceID, DirS2C, values.Map{
		"type": msgType,
		"data": map[string]any(payload),
		"ts":   s.clock().Unix(),
	})
	if err != nil {
		return err
	}
	return s.transport.Deliver(ctx, deviceID, env)
}

// Devices lists a user's paired devices.
func (s *Service) Devices(ctx context.Context, userID string) ([]*flow.DeviceKey, error) {
	return s.store.ListDeviceKeys(ctx, userID)
}

// nextSeq returns the next outbound sequence number for a device. Counters
// seed from the clock so they stay monotonic across restarts.
func (s *Service) nextSeq(deviceID string) uint64 {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	seq, ok := s.out[deviceID]
	if !ok {
		seq = uint64(s.clock().UnixMilli())
	}
	seq++
	s.out[deviceID] = seq
	return seq
}

func directionKey(k *flow.DeviceKey, dir Direction) ([]byte, error) {
	switch dir {
	case DirC2S:
		return k.EncKeyC2S, nil
	case DirS2C:
		return k.EncKeyS2C, nil
	}
	return nil, fault.Newf(fault.Validation, "unknown direction %q", dir)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fault.Wrap(fault.HandlerError, "init cipher", err)
	}
	return cipher.NewGCM(block)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func deviceToken(authKey []byte, deviceID string) string {
	mac := hmac.New(sha256.New, authKey)
	mac.Write([]byte(deviceID))
	return b64.EncodeToString([]byte(deviceID)) + "." + b64.EncodeToString(mac.Sum(nil))
}
