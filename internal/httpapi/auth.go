package httpapi

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"dealerdesk/backend/internal/domain"
)

const userStoreTimeout = 5 * time.Second

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInvalidToken       = errors.New("invalid or expired token")
)

type AuthManager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	ownerPIN  string
	userStore UserStore
	users     map[string]credential
	logger    *zap.Logger
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	password string
	role     string
	active   bool
	created  time.Time
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, ownerPIN string, userStore UserStore, logger *zap.Logger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ownerPIN = strings.TrimSpace(ownerPIN)
	if ownerPIN == "" {
		ownerPIN = "disabled"
	}
	if hashed, err := hashPassword(ownerPIN); err == nil {
		ownerPIN = hashed
	}

	manager := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		ownerPIN:  ownerPIN,
		userStore: userStore,
		users:     make(map[string]credential),
		logger:    logger.Named("auth"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), userStoreTimeout)
	defer cancel()
	manager.loadUsers(ctx)
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.loadUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &staffClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("dealerdesk"))
	if err != nil || !token.Valid {
		return domain.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if !isStaffRole(claims.Role) {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "dealerdesk",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateOwnerPIN guards owner-only maintenance operations such as the
// broker totals rebuild.
func (a *AuthManager) ValidateOwnerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !isPasswordHash(a.ownerPIN) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.ownerPIN), []byte(input)) == nil
}

// BootstrapOwner creates the "owner" account when the user store has no
// owner yet. It is a no-op otherwise.
func (a *AuthManager) BootstrapOwner(ctx context.Context, password string) (bool, error) {
	a.loadUsers(ctx)
	a.mu.RLock()
	for _, cred := range a.users {
		if cred.role == domain.RoleOwner {
			a.mu.RUnlock()
			return false, nil
		}
	}
	a.mu.RUnlock()

	if len(password) < 8 {
		return false, fmt.Errorf("bootstrap owner password must be at least 8 characters")
	}
	if _, err := a.createUser(ctx, "owner", password, domain.RoleOwner); err != nil {
		return false, err
	}
	return true, nil
}

// CreateStaff adds a manager or sales account. Owners are only created by
// BootstrapOwner or seeding.
func (a *AuthManager) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	a.loadUsers(ctx)
	username := strings.ToLower(strings.TrimSpace(req.Username))
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if role == "" {
		role = domain.RoleSales
	}
	if role != domain.RoleManager && role != domain.RoleSales {
		return domain.StaffUser{}, fmt.Errorf("role must be manager or sales")
	}
	if len(username) < 4 {
		return domain.StaffUser{}, fmt.Errorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.StaffUser{}, fmt.Errorf("username must not contain spaces")
	}
	if strings.TrimSpace(req.Password) == "" || len(req.Password) < 8 {
		return domain.StaffUser{}, fmt.Errorf("password must be at least 8 characters")
	}

	return a.createUser(ctx, username, req.Password, role)
}

func (a *AuthManager) createUser(ctx context.Context, username, password, role string) (domain.StaffUser, error) {
	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return domain.StaffUser{}, fmt.Errorf("username already exists")
	}

	now := time.Now().UTC()
	passwordHash, err := hashPassword(password)
	if err != nil {
		return domain.StaffUser{}, fmt.Errorf("failed to hash password")
	}

	if a.userStore != nil {
		err := a.userStore.CreateUser(ctx, domain.UserAccount{
			Username:  username,
			Password:  passwordHash,
			Role:      role,
			Active:    true,
			CreatedAt: now,
		})
		if err != nil {
			return domain.StaffUser{}, err
		}
	}

	a.mu.Lock()
	a.users[username] = credential{
		password: passwordHash,
		role:     role,
		active:   true,
		created:  now,
	}
	a.mu.Unlock()

	a.logger.Info("staff account created", zap.String("username", username), zap.String("role", role))
	return domain.StaffUser{
		Username:  username,
		Role:      role,
		Active:    true,
		CreatedAt: now,
	}, nil
}

func (a *AuthManager) ListStaff(ctx context.Context) []domain.StaffUser {
	a.loadUsers(ctx)
	a.mu.RLock()
	result := make([]domain.StaffUser, 0, len(a.users))
	for username, user := range a.users {
		result = append(result, domain.StaffUser{
			Username:  username,
			Role:      user.role,
			Active:    user.active,
			CreatedAt: user.created,
		})
	}
	a.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result
}

// loadUsers refreshes the credential cache from the user store so accounts
// created by other processes can log in. Plain-text passwords found in the
// store are upgraded to bcrypt hashes.
func (a *AuthManager) loadUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		a.logger.Warn("failed to load users", zap.Error(err))
		return
	}
	if len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				if err := a.userStore.UpdateUserPassword(ctx, username, hashed); err != nil {
					a.logger.Warn("failed to upgrade password hash", zap.String("username", username), zap.Error(err))
				}
			}
		}
		a.users[username] = credential{
			password: password,
			role:     user.Role,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
}

func isStaffRole(role string) bool {
	return slices.Contains([]string{domain.RoleOwner, domain.RoleManager, domain.RoleSales}, role)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
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
