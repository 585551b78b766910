// Package clientdevice implements the Client Device Service (C11):
// one-shot provisioning of an end-user tunnel profile, with IPAM allocation,
// server-generated X25519 keys, and QR/plain-text rendering.
package clientdevice

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/zerotrust/overlay/internal/apierr"
	"github.com/zerotrust/overlay/internal/eventbus"
	"github.com/zerotrust/overlay/internal/eventlog"
	"github.com/zerotrust/overlay/internal/ipam"
	"github.com/zerotrust/overlay/internal/model"
	"github.com/zerotrust/overlay/internal/projection"
	"github.com/zerotrust/overlay/internal/tokens"
	"github.com/zerotrust/overlay/internal/wireguard"
)

// Service provisions and revokes ClientDevices.
type Service struct {
	Store        eventlog.Store
	Proj         *projection.Store
	IPAM         *ipam.Manager
	Bus          eventbus.Bus
	MasterSecret []byte // encrypts ClientDevice private keys at rest
	OverlayCIDR  string
	HubEndpoint  string

	DefaultExpiresDays int
	MaxDevicesPerUser  int
}

// CreateRequest is what the admin API passes in to provision a new device.
type CreateRequest struct {
	UserID     string
	DeviceName string
	DeviceType string // mobile | laptop
	TunnelMode model.TunnelMode
	Actor      string
}

// CreateResult bundles the device id and the material needed to render a
// profile once, synchronously, while the private key is still in hand.
type CreateResult struct {
	Device      *model.ClientDevice
	PrivateKey  string // plaintext, caller must render the profile now and discard
	ConfigToken string
}

// Create implements §4.11: allocate an overlay IP from the client pool,
// generate a keypair server-side, encrypt the private key at rest, and emit
// exactly one ClientDeviceCreated event.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.UserID == "" {
		return nil, apierr.Invalid("clientdevice: user_id is required")
	}
	if existing := s.Proj.DevicesByUser(req.UserID); s.MaxDevicesPerUser > 0 {
		active := 0
		now := time.Now()
		for _, d := range existing {
			if projection.EffectiveStatus(d, now) == model.DeviceActive {
				active++
			}
		}
		if active >= s.MaxDevicesPerUser {
			return nil, apierr.Invalid(fmt.Sprintf("clientdevice: user already has %d active devices (limit %d)", active, s.MaxDevicesPerUser))
		}
	}

	overlayIP, err := s.IPAM.Allocate(ctx, ipam.PoolClient, time.Now())
	if err != nil {
		return nil, err
	}

	keypair, err := wireguard.GenerateKeyPair()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "clientdevice: generate keypair", err)
	}

	configToken, err := tokens.NewConfigToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "clientdevice: generate config token", err)
	}

	encryptedKey, err := s.encrypt([]byte(keypair.PrivateKey))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "clientdevice: encrypt private key", err)
	}

	expiresDays := s.DefaultExpiresDays
	if expiresDays <= 0 {
		expiresDays = 1
	}
	expiresAt := time.Now().Add(time.Duration(expiresDays) * 24 * time.Hour)

	tunnelMode := req.TunnelMode
	if tunnelMode == "" {
		tunnelMode = model.TunnelSplit
	}

	deviceID := fmt.Sprintf("device-%s", configToken[:12])
	payload := model.ClientDevice{
		UserID: req.UserID, DeviceName: req.DeviceName, DeviceType: req.DeviceType,
		OverlayIP: overlayIP, PublicKey: keypair.PublicKey, PrivateKeyEncrypted: encryptedKey,
		TunnelMode: tunnelMode, ExpiresAt: expiresAt, ConfigToken: configToken,
		TokenSingleUse: true, Status: model.DeviceActive,
	}

	ev, err := s.Store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateClientDevice,
		AggregateID:   deviceID,
		EventType:     eventlog.ClientDeviceCreated,
		Payload:       payload,
		Actor:         req.Actor,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Proj.Apply(ev); err != nil {
		return nil, apierr.Wrap(apierr.KindInvariantViolation, "clientdevice: apply create event", err)
	}

	if s.Bus != nil {
		_ = s.Bus.Publish(eventbus.NewEvent(eventbus.TypeClientDeviceEvent, "clientdevice", deviceID,
			map[string]string{"action": "created", "user_id": req.UserID}))
	}

	device, _ := s.Proj.Device(deviceID)
	return &CreateResult{Device: device, PrivateKey: keypair.PrivateKey, ConfigToken: configToken}, nil
}

// Revoke emits ClientDeviceRevoked and releases the device's overlay IP
// after the IPAM cool-down window.
func (s *Service) Revoke(ctx context.Context, deviceID, actor string) error {
	device, ok := s.Proj.Device(deviceID)
	if !ok {
		return apierr.NotFound("clientdevice: unknown device " + deviceID)
	}

	ev, err := s.Store.Commit(ctx, eventlog.Append{
		AggregateType: eventlog.AggregateClientDevice,
		AggregateID:   deviceID,
		EventType:     eventlog.ClientDeviceRevoked,
		Payload:       map[string]any{},
		Actor:         actor,
	})
	if err != nil {
		return err
	}
	if err := s.Proj.Apply(ev); err != nil {
		return apierr.Wrap(apierr.KindInvariantViolation, "clientdevice: apply revoke event", err)
	}
	if err := s.IPAM.Release(ctx, device.OverlayIP, time.Now()); err != nil {
		return err
	}
	if s.Bus != nil {
		_ = s.Bus.Publish(eventbus.NewEvent(eventbus.TypeClientDeviceEvent, "clientdevice", deviceID,
			map[string]string{"action": "revoked"}))
	}
	return nil
}

// DeviceByToken looks up the active device bound to a config token. The
// private key is stored only encrypted; RetrieveProfile decrypts it for the
// token's single retrieval. An unknown token, an already retrieved
// single-use token, and a revoked or expired device all yield NotFound.
func (s *Service) DeviceByToken(token string) (*model.ClientDevice, error) {
	for _, d := range s.Proj.AllDevices() {
		if d.ConfigToken == token {
			if d.TokenSingleUse && d.TokenRetrieved {
				return nil, apierr.NotFound("clientdevice: config token already retrieved")
			}
			if projection.EffectiveStatus(d, time.Now()) != model.DeviceActive {
				return nil, apierr.NotFound("clientdevice: device is not active")
			}
			return d, nil
		}
	}
	return nil, apierr.NotFound("clientdevice: unknown config token")
}

// ConsumeToken marks a single-use config token retrieved so a second fetch
// is rejected. The projection pointer is mutated directly rather than
// through an event: the token's one-time nature is a delivery-guarantee
// concern, not domain history worth replaying.
func (s *Service) ConsumeToken(token string) {
	for _, d := range s.Proj.AllDevices() {
		if d.ConfigToken == token {
			d.TokenRetrieved = true
			return
		}
	}
}

// RetrieveProfile decrypts a device's private key for its single delivery
// and renders the ready-to-use WireGuard profile, then consumes the config
// token so the decrypted key can never be fetched a second time.
func (s *Service) RetrieveProfile(token, hubPublicKey, hubEndpoint string) (string, error) {
	device, err := s.DeviceByToken(token)
	if err != nil {
		return "", err
	}
	privateKey, err := s.decrypt(device.PrivateKeyEncrypted)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInvariantViolation, "clientdevice: decrypt private key", err)
	}
	profile := RenderText(ProfileInput{
		Device: device, PrivateKey: string(privateKey), HubPublicKey: hubPublicKey,
		HubEndpoint: hubEndpoint, OverlayCIDR: s.OverlayCIDR,
	})
	s.ConsumeToken(token)
	return profile, nil
}

func (s *Service) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.normalizedSecret())
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Service) normalizedSecret() []byte {
	key := make([]byte, 32)
	copy(key, s.MasterSecret)
	return key
}

func (s *Service) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.normalizedSecret())
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("clientdevice: ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
