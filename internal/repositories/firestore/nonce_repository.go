package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	pfirestore "github.com/hmcts/ccpay-refunds-app-sub001/internal/platform/firestore"
	"github.com/hmcts/ccpay-refunds-app-sub001/internal/repositories"
)

const middleOfficeNonceCollection = "middleOfficeNonces"

type nonceDocument struct {
	ExpiresAt time.Time `firestore:"expiresAt"`
	UsedAt    time.Time `firestore:"usedAt"`
}

// NonceRepository shares middle office callback nonces across instances so a
// replayed callback is refused whichever instance receives it.
type NonceRepository struct {
	base *pfirestore.BaseRepository[nonceDocument]
	uow  repositories.UnitOfWork
	now  func() time.Time
}

func NewNonceRepository(provider *pfirestore.Provider, now func() time.Time) (*NonceRepository, error) {
	if provider == nil {
		return nil, errors.New("nonce repository requires firestore provider")
	}
	if now == nil {
		now = time.Now
	}
	return &NonceRepository{
		base: pfirestore.NewBaseRepository[nonceDocument](provider, middleOfficeNonceCollection, nil, nil),
		uow:  pfirestore.NewUnitOfWork(provider),
		now:  now,
	}, nil
}

// UseNonce satisfies auth.NonceStore.
func (r *NonceRepository) UseNonce(ctx context.Context, nonce string, expiry time.Time) (bool, error) {
	if nonce == "" {
		return false, errors.New("nonce is required")
	}
	sum := sha256.Sum256([]byte(nonce))
	id := hex.EncodeToString(sum[:])

	fresh := false
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		now := r.now().UTC()
		existing, err := r.base.Get(ctx, id)
		switch {
		case err == nil && existing.Data.ExpiresAt.After(now):
			fresh = false
			return nil
		case err != nil && !isRepoNotFound(err):
			return err
		}
		fresh = true
		return r.base.Set(ctx, id, nonceDocument{ExpiresAt: expiry.UTC(), UsedAt: now})
	})
	if err != nil {
		return false, err
	}
	return fresh, nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
