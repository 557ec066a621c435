package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/repository"
)

var (
	// ErrInvalidCredentials indicates that provided login credentials are incorrect.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRegistrationPassword indicates the registration secret is incorrect.
	ErrInvalidRegistrationPassword = errors.New("invalid registration password")
	// ErrOperatorExists is returned when attempting to register an existing username.
	ErrOperatorExists = errors.New("operator already exists")
	// ErrInvalidToken is returned for expired, malformed or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are carried in operator access tokens.
type Claims struct {
	OperatorID int64  `json:"oid"`
	Username   string `json:"name"`
	jwt.RegisteredClaims
}

// OperatorService describes operator lifecycle and token operations.
type OperatorService interface {
	Register(ctx context.Context, username, password, providedSecret string) (*domain.Operator, error)
	Authenticate(ctx context.Context, username, password string) (*domain.Operator, error)
	GetByID(ctx context.Context, id int64) (*domain.Operator, error)
	IssueToken(op *domain.Operator) (string, time.Time, error)
	ParseToken(token string) (*Claims, error)
}

type OperatorConfig struct {
	RegisterSecret string
	JWTSecret      string
	TokenTTL       time.Duration
	Now            func() time.Time
}

type operatorService struct {
	operators repository.OperatorRepository
	cfg       OperatorConfig
}

func NewOperatorService(operators repository.OperatorRepository, cfg OperatorConfig) OperatorService {
	cfg.RegisterSecret = strings.TrimSpace(cfg.RegisterSecret)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &operatorService{
		operators: operators,
		cfg:       cfg,
	}
}

func (s *operatorService) Register(ctx context.Context, username, password, providedSecret string) (*domain.Operator, error) {
	username = strings.TrimSpace(username)
	providedSecret = strings.TrimSpace(providedSecret)
	password = strings.TrimSpace(password)

	if username == "" {
		return nil, errors.New("username is required")
	}
	if password == "" {
		return nil, errors.New("password is required")
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	if s.cfg.RegisterSecret == "" {
		return nil, fmt.Errorf("registration secret is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(s.cfg.RegisterSecret)) != 1 {
		return nil, ErrInvalidRegistrationPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	op := &domain.Operator{
		Username:     username,
		PasswordHash: string(hash),
	}
	if _, err := s.operators.Create(ctx, op); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrOperatorExists
		}
		return nil, err
	}

	return sanitizeOperator(op), nil
}

func (s *operatorService) Authenticate(ctx context.Context, username, password string) (*domain.Operator, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	op, err := s.operators.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return sanitizeOperator(op), nil
}

func (s *operatorService) GetByID(ctx context.Context, id int64) (*domain.Operator, error) {
	op, err := s.operators.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitizeOperator(op), nil
}

func (s *operatorService) IssueToken(op *domain.Operator) (string, time.Time, error) {
	if s.cfg.JWTSecret == "" {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	now := s.cfg.Now()
	expires := now.Add(s.cfg.TokenTTL)
	claims := Claims{
		OperatorID: op.ID,
		Username:   op.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

func (s *operatorService) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	keyFunc := func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	}
	_, err := jwt.ParseWithClaims(token, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func sanitizeOperator(op *domain.Operator) *domain.Operator {
	if op == nil {
		return nil
	}
	return &domain.Operator{
		ID:        op.ID,
		Username:  op.Username,
		CreatedAt: op.CreatedAt,
		UpdatedAt: op.UpdatedAt,
	}
}
