package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrDuplicateMessage reports an insert whose message id is already stored.
var ErrDuplicateMessage = errors.New("store: duplicate message id")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) InsertMessage(ctx context.Context, m *MessageRecord) error {
	err := r.db.WithContext(ctx).Create(m).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateMessage
	}
	return err
}

// ListPage returns one history page for a room: the page window is
// selected newest-first with OFFSET skip, then returned oldest -> newest
// so clients can prepend it as-is.
func (r *Repo) ListPage(ctx context.Context, room string, skip, paging int) ([]MessageRecord, error) {
	if paging <= 0 || paging > 100 {
		paging = 30
	}
	if skip < 0 {
		skip = 0
	}

	var msgs []MessageRecord
	if err := r.db.WithContext(ctx).
		Where("room = ?", room).
		Order("id DESC").
		Offset(skip).
		Limit(paging).
		Find(&msgs).Error; err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *Repo) CountMessages(ctx context.Context, room string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&MessageRecord{}).Where("room = ?", room).Count(&n).Error
	return n, err
}

func (r *Repo) CreateUser(ctx context.Context, u *UserRecord) error {
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetUserByUsername(ctx context.Context, username string) (*UserRecord, error) {
	var u UserRecord
	if err := r.db.WithContext(ctx).
		Where("username = ?", username).
		First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
