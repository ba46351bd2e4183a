package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const taskTokenIssuer = "caseflow"

var ErrInvalidTaskToken = errors.New("invalid task token")

// TaskClaims identify the single job an executor may report on.
type TaskClaims struct {
	jwt.RegisteredClaims
	OrganizationID string `json:"org"`
	JobType        string `json:"typ"`
}

// TaskTokens issues and verifies HS256 task tokens handed to executors on
// dispatch and presented back on every callback.
type TaskTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTaskTokens creates a token issuer. The secret must be at least 32 bytes.
func NewTaskTokens(secret []byte, ttl time.Duration) (*TaskTokens, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("task token secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TaskTokens{secret: secret, ttl: ttl}, nil
}

// Issue signs a token for the job.
func (t *TaskTokens) Issue(jobID, orgID uuid.UUID, jobType string) (string, error) {
	now := time.Now()
	claims := TaskClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    taskTokenIssuer,
			Subject:   jobID.String(),
			ID:        uuid.Must(uuid.NewV7()).String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
		OrganizationID: orgID.String(),
		JobType:        jobType,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign task token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and that the token was issued for jobID.
func (t *TaskTokens) Verify(token string, jobID uuid.UUID) (*TaskClaims, error) {
	claims := &TaskClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(taskTokenIssuer),
		jwt.WithSubject(jobID.String()),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		log.Debug().Err(err).Str("job_id", jobID.String()).Msg("Task token rejected")
		return nil, ErrInvalidTaskToken
	}

	return claims, nil
}
