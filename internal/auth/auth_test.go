package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/escrow/internal/models"
)

const testSecret = "test-secret"

func newTestService() *AuthService {
	return NewAuthService(NewMemoryUserStore(), testSecret, time.Hour)
}

// sign returns the base58 signature of the registration message by key
func sign(t *testing.T, key solana.PrivateKey, username string) string {
	t.Helper()
	sig, err := key.Sign(RegistrationMessage(username, key.PublicKey().String()))
	if err != nil {
		t.Fatalf("Failed to sign registration: %v", err)
	}
	return sig.String()
}

func TestAuthService_Register(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	wallet := key.PublicKey().String()

	tests := []struct {
		name        string
		username    string
		password    string
		wallet      string
		expectError bool
	}{
		{
			name:     "Success",
			username: "alice",
			password: "password123",
			wallet:   wallet,
		},
		{
			name:        "EmptyUsername",
			username:    "",
			password:    "password123",
			wallet:      wallet,
			expectError: true,
		},
		{
			name:        "EmptyPassword",
			username:    "bob",
			password:    "",
			wallet:      wallet,
			expectError: true,
		},
		{
			name:        "LongUsername",
			username:    strings.Repeat("a", 51),
			password:    "password123",
			wallet:      wallet,
			expectError: true,
		},
		{
			name:        "LongPassword",
			username:    "bob",
			password:    strings.Repeat("p", 73),
			wallet:      wallet,
			expectError: true,
		},
		{
			name:        "BadWallet",
			username:    "bob",
			password:    "password123",
			wallet:      "not-a-wallet",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService()
			user, err := s.Register(context.Background(), tt.username, tt.password, tt.wallet, sign(t, key, tt.username))
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.Username != tt.username || user.Wallet.String() != tt.wallet {
				t.Errorf("unexpected user: %+v", user)
			}
			if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(tt.password)); err != nil {
				t.Errorf("password not hashed correctly: %v", err)
			}
		})
	}
}

func TestAuthService_RegisterSignature(t *testing.T) {
	victim := solana.NewWallet().PrivateKey
	attacker := solana.NewWallet().PrivateKey
	wallet := victim.PublicKey().String()

	forged, err := attacker.Sign(RegistrationMessage("mallory", wallet))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	tests := []struct {
		name      string
		username  string
		signature string
	}{
		{name: "OtherKey", username: "mallory", signature: forged.String()},
		{name: "OtherUsername", username: "mallory", signature: sign(t, victim, "alice")},
		{name: "Missing", username: "mallory", signature: ""},
		{name: "Garbage", username: "mallory", signature: "not-a-signature"},
	}

	s := newTestService()
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(ctx, tt.username, "password123", wallet, tt.signature)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}

	// the wallet is still free for its holder
	if _, err := s.Register(ctx, "alice", "password123", wallet, sign(t, victim, "alice")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthService_RegisterDuplicate(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	key := solana.NewWallet().PrivateKey
	wallet := key.PublicKey().String()
	other := solana.NewWallet().PrivateKey

	if _, err := s.Register(ctx, "alice", "password123", wallet, sign(t, key, "alice")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Register(ctx, "alice", "other", other.PublicKey().String(), sign(t, other, "alice")); !errors.Is(err, models.ErrUserExists) {
		t.Errorf("expected ErrUserExists for username, got %v", err)
	}
	if _, err := s.Register(ctx, "bob", "password123", wallet, sign(t, key, "bob")); !errors.Is(err, models.ErrUserExists) {
		t.Errorf("expected ErrUserExists for wallet, got %v", err)
	}
}

func TestAuthService_Login(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	key := solana.NewWallet().PrivateKey
	wallet := key.PublicKey()
	if _, err := s.Register(ctx, "alice", "password123", wallet.String(), sign(t, key, "alice")); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{name: "Success", username: "alice", password: "password123"},
		{name: "WrongPassword", username: "alice", password: "wrong", expectError: true},
		{name: "UnknownUser", username: "nobody", password: "password123", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := s.Login(ctx, tt.username, tt.password)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Errorf("expected ErrInvalidCredentials, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			got, err := s.GetWalletFromToken(token)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equals(wallet) {
				t.Errorf("expected wallet %s, got %s", wallet, got)
			}
		})
	}
}

func TestAuthService_GetWalletFromToken(t *testing.T) {
	s := newTestService()
	wallet := solana.NewWallet().PublicKey()

	signToken := func(claims Claims, secret string) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("Failed to sign token: %v", err)
		}
		return token
	}
	valid := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := []struct {
		name        string
		token       string
		expectError bool
	}{
		{
			name:  "Valid",
			token: signToken(Claims{Wallet: wallet.String(), RegisteredClaims: valid}, testSecret),
		},
		{
			name:        "WrongSecret",
			token:       signToken(Claims{Wallet: wallet.String(), RegisteredClaims: valid}, "other-secret"),
			expectError: true,
		},
		{
			name: "Expired",
			token: signToken(Claims{Wallet: wallet.String(), RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			}}, testSecret),
			expectError: true,
		},
		{
			name:        "BadWalletClaim",
			token:       signToken(Claims{Wallet: "xyz", RegisteredClaims: valid}, testSecret),
			expectError: true,
		},
		{
			name:        "Garbage",
			token:       "not.a.token",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetWalletFromToken(tt.token)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equals(wallet) {
				t.Errorf("expected wallet %s, got %s", wallet, got)
			}
		})
	}
}
