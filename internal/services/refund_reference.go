package services

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

const defaultReferenceAttempts = 5

func newULID() string {
	return ulid.Make().String()
}

// ReferenceGenerator produces candidate RF-dddd-dddd-dddd-dddd references.
type ReferenceGenerator func() (string, error)

// RandomReference draws sixteen digits from crypto/rand.
func RandomReference() (string, error) {
	var b strings.Builder
	b.Grow(22)
	b.WriteString("RF")
	ten := big.NewInt(10)
	for group := 0; group < 4; group++ {
		b.WriteByte('-')
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, ten)
			if err != nil {
				return "", fmt.Errorf("refund reference: %w", err)
			}
			b.WriteByte(byte('0' + n.Int64()))
		}
	}
	return b.String(), nil
}

// nextReference returns a reference not yet stored. It runs outside any
// transaction since Firestore transactions forbid reads after writes.
func nextReference(ctx context.Context, refunds repositories.RefundRepository, gen ReferenceGenerator, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = defaultReferenceAttempts
	}
	for i := 0; i < attempts; i++ {
		candidate, err := gen()
		if err != nil {
			return "", err
		}
		exists, err := refunds.ExistsByReference(ctx, candidate)
		if err != nil {
			return "", mapRepositoryError(err)
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no unique refund reference after %d attempts", ErrRefundConflict, attempts)
}
