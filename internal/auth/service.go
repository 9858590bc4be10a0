package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/clipsmith/backend/internal/credits"
	"github.com/clipsmith/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrInvalidCredentials covers both unknown email and wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.Account, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// TrialGranter is the slice of the credit service used for the one-time
// signup grant.
type TrialGranter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, reason string, paymentID *uuid.UUID) (models.Balance, error)
}

type service struct {
	repo    *Repository
	credits TrialGranter
	secret  []byte
	log     *slog.Logger
}

func NewService(repo *Repository, granter TrialGranter, jwtSecret string, log *slog.Logger) *service {
	if jwtSecret == "" {
		jwtSecret = "supersecretmvp"
	}
	if log == nil {
		log = slog.Default()
	}
	return &service{repo: repo, credits: granter, secret: []byte(jwtSecret), log: log}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acc, err := s.repo.Create(ctx, email, string(hash), displayName)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	// The trial grant is best-effort: the account exists either way, and a
	// failed grant leaves the balance at zero rather than blocking signup.
	if _, err := s.credits.Grant(ctx, acc.ID, models.TrialCredits, credits.GrantReasonTrial, nil); err != nil {
		s.log.Error("trial grant failed for new account", "account_id", acc.ID, "error", err)
	}
	return acc, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	acc, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(acc.ID)
}

func (s *service) issueToken(userID uuid.UUID) (string, error) {
	c := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	c, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, errors.New("invalid token")
	}
	return uuid.Parse(c.Subject)
}

func (s *service) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.repo.GetByID(ctx, id)
}
