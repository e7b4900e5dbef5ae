package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"magsd/backend/internal/domain"
	"magsd/backend/internal/store"
)

const minPasswordLength = 8

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// AuthManager issues and verifies access tokens and manages accounts. Token
// verification re-reads the user row, so admin and blocked flags take effect
// on the next request.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    store.UserStore
}

type accessClaims struct {
	jwtlib.RegisteredClaims
	Email string `json:"email"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users store.UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
	}
}

func (a *AuthManager) Register(ctx context.Context, req domain.RegisterRequest) (domain.LoginResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if err := validatePassword(req.Password); err != nil {
		return domain.LoginResponse{}, err
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := a.users.CreateUser(ctx, domain.UserAccount{
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Password:  hash,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.LoginResponse{}, domain.NewError(domain.CodeConflict, "email is already registered")
		}
		return domain.LoginResponse{}, err
	}
	return a.issue(*user)
}

// Login checks credentials. Accounts still holding a plaintext password are
// upgraded to bcrypt on their first successful login.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}

	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}

	if isPasswordHash(user.Password) {
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
	} else {
		if user.Password == "" || subtle.ConstantTimeCompare([]byte(user.Password), []byte(req.Password)) != 1 {
			return domain.LoginResponse{}, ErrInvalidCredentials
		}
		a.upgradePassword(ctx, *user, req.Password)
	}

	if user.Blocked {
		return domain.LoginResponse{}, domain.NewError(domain.CodeForbidden, "account is blocked")
	}
	return a.issue(*user)
}

func (a *AuthManager) upgradePassword(ctx context.Context, user domain.UserAccount, plain string) {
	hash, err := hashPassword(plain)
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to hash legacy password")
		return
	}
	user.Password = hash
	if _, err := a.users.UpdateUser(ctx, user); err != nil {
		log.Warn().Err(err).Str("user_id", user.ID).Msg("failed to upgrade legacy password")
	}
}

// Verify parses a bearer token and loads the current state of its user.
func (a *AuthManager) Verify(ctx context.Context, tokenStr string) (domain.Actor, error) {
	claims := &accessClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, ErrInvalidToken
	}

	user, err := a.users.GetUserByID(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Actor{}, ErrInvalidToken
		}
		return domain.Actor{}, err
	}
	return domain.Actor{
		UserID:  user.ID,
		Email:   user.Email,
		IsAdmin: user.IsAdmin,
		Blocked: user.Blocked,
	}, nil
}

func (a *AuthManager) Me(ctx context.Context, actor domain.Actor) (domain.UserAccount, error) {
	user, err := a.users.GetUserByID(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UserAccount{}, domain.NotFound("user")
		}
		return domain.UserAccount{}, err
	}
	return *user, nil
}

func (a *AuthManager) issue(user domain.UserAccount) (domain.LoginResponse, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(a.tokenTTL)
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "magsd",
		},
		Email: user.Email,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        user,
	}, nil
}

func (a *AuthManager) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	return a.users.ListUsers(ctx)
}

func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserAccount, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return domain.UserAccount{}, err
	}
	if err := validatePassword(req.Password); err != nil {
		return domain.UserAccount{}, err
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := a.users.CreateUser(ctx, domain.UserAccount{
		Email:     email,
		Name:      strings.TrimSpace(req.Name),
		Password:  hash,
		IsAdmin:   req.IsAdmin,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserAccount{}, domain.NewError(domain.CodeConflict, "email is already registered")
		}
		return domain.UserAccount{}, err
	}
	return *user, nil
}

func (a *AuthManager) UpdateUser(ctx context.Context, id string, req domain.UserUpdateRequest) (domain.UserAccount, error) {
	user, err := a.users.GetUserByID(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UserAccount{}, domain.NotFound("user")
		}
		return domain.UserAccount{}, err
	}

	if req.Name != nil {
		user.Name = strings.TrimSpace(*req.Name)
	}
	if req.Password != nil {
		if err := validatePassword(*req.Password); err != nil {
			return domain.UserAccount{}, err
		}
		hash, err := hashPassword(*req.Password)
		if err != nil {
			return domain.UserAccount{}, fmt.Errorf("hash password: %w", err)
		}
		user.Password = hash
	}
	if req.IsAdmin != nil {
		user.IsAdmin = *req.IsAdmin
	}
	if req.Blocked != nil {
		user.Blocked = *req.Blocked
	}

	updated, err := a.users.UpdateUser(ctx, *user)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.UserAccount{}, domain.NotFound("user")
		}
		return domain.UserAccount{}, err
	}
	return *updated, nil
}

func (a *AuthManager) DeleteUser(ctx context.Context, id string) error {
	if err := a.users.DeleteUser(ctx, strings.TrimSpace(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound("user")
		}
		return err
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", domain.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", domain.Validation("email is not a valid address")
	}
	return email, nil
}

func validatePassword(password string) error {
	if len(strings.TrimSpace(password)) < minPasswordLength {
		return domain.Validation("password must be at least %d characters", minPasswordLength)
	}
	return nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
