package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultRoomTicketTTL = time.Minute
	roomTicketAudience   = "pactum-relay"
)

var (
	ErrInvalidRoomTicket  = errors.New("room ticket: invalid ticket")
	ErrExpiredRoomTicket  = errors.New("room ticket: ticket expired")
	ErrRoomTicketMismatch = errors.New("room ticket: ticket issued for another room")

	errMissingSigningSecret = errors.New("room ticket: signing secret must be provided")
	errMissingIssuer        = errors.New("room ticket: issuer must be provided")
	errMissingTicketRoom    = errors.New("room ticket: room must be provided")
	errMissingTicketUser    = errors.New("room ticket: user id must be provided")
)

// RoomTicketClaims authorize one user to join one room. Browsers cannot attach headers to a
// WebSocket upgrade, so the relay accepts this short-lived token in the query string instead.
type RoomTicketClaims struct {
	Room        string `json:"room"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// RoomTicketConfig configures the ticket issuer.
type RoomTicketConfig struct {
	SigningSecret []byte
	Issuer        string
	TTL           time.Duration
	Clock         func() time.Time
}

// RoomTicketIssuer mints and validates relay tickets.
type RoomTicketIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewRoomTicketIssuer validates the configuration and applies defaults.
func NewRoomTicketIssuer(cfg RoomTicketConfig) (*RoomTicketIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultRoomTicketTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &RoomTicketIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed ticket and its expiry.
func (i *RoomTicketIssuer) Issue(room, userID, displayName string) (string, time.Time, error) {
	if strings.TrimSpace(room) == "" {
		return "", time.Time{}, errMissingTicketRoom
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errMissingTicketUser
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := RoomTicketClaims{
		Room:        room,
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			Audience:  []string{roomTicketAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks the ticket signature, expiry and room binding.
func (i *RoomTicketIssuer) Validate(ticket, room string) (RoomTicketClaims, error) {
	claims := &RoomTicketClaims{}
	_, err := jwt.ParseWithClaims(
		strings.TrimSpace(ticket),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return i.signingSecret, nil
		},
		jwt.WithAudience(roomTicketAudience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return RoomTicketClaims{}, ErrExpiredRoomTicket
		}
		return RoomTicketClaims{}, fmt.Errorf("%w: %v", ErrInvalidRoomTicket, err)
	}
	if claims.UserID == "" {
		return RoomTicketClaims{}, ErrInvalidRoomTicket
	}
	if claims.Room != room {
		return RoomTicketClaims{}, ErrRoomTicketMismatch
	}
	return *claims, nil
}
