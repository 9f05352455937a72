package olliebot

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// ReactionKind groups the images used by a reaction command
type ReactionKind string

const (
	ReactionHug ReactionKind = "hug"
	ReactionPat ReactionKind = "pat"
)

// ReactionImage is an image URL available to the hug and pat commands
// in every guild.
type ReactionImage struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	Kind      ReactionKind `gorm:"type:string;not null;uniqueIndex:idx_reaction_kind_url;check:kind in ('hug', 'pat')" json:"kind"`
	URL       string       `gorm:"not null;uniqueIndex:idx_reaction_kind_url" json:"url"`
	CreatedAt int64        `gorm:"autoCreateTime:milli" json:"created_at"`
}

// ReactionLibrary holds the bot-wide reaction images.
type ReactionLibrary struct {
	mu     sync.RWMutex
	db     DBI
	images map[ReactionKind][]string
}

func loadReactionLibrary(ctx context.Context, db DBI) (*ReactionLibrary, error) {
	var rows []ReactionImage
	if err := db.DB().WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("error loading reaction images: %w", err)
	}
	lib := &ReactionLibrary{db: db, images: map[ReactionKind][]string{}}
	for _, r := range rows {
		lib.images[r.Kind] = append(lib.images[r.Kind], r.URL)
	}
	return lib, nil
}

func (l *ReactionLibrary) Add(ctx context.Context, kind ReactionKind, imageURL string) error {
	if !isHTTPURL(imageURL) {
		return fmt.Errorf("%q is not an image link", imageURL)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if slices.Contains(l.images[kind], imageURL) {
		return alreadyExists(string(kind)+" image", imageURL)
	}
	if _, err := l.db.Create(ctx, &ReactionImage{Kind: kind, URL: imageURL}); err != nil {
		return fmt.Errorf("error saving reaction image: %w", err)
	}
	l.images[kind] = append(l.images[kind], imageURL)
	return nil
}

func (l *ReactionLibrary) Len(kind ReactionKind) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.images[kind])
}

// Random picks one image of the given kind, or returns false if there
// are none.
func (l *ReactionLibrary) Random(kind ReactionKind) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.images[kind]) == 0 {
		return "", false
	}
	return lo.Sample(l.images[kind]), true
}
