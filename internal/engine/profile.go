package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/warbler-im/warbler/internal/wire"
)

// GetProfile fetches an entity's profile. Missing profiles and fetch
// failures both return a nil record with a nil error; profiles are
// decoration, not load-bearing state.
func (e *Engine) GetProfile(ctx context.Context, identifier string) (*ProfileRecord, error) {
	if !e.connected() {
		return nil, ErrNotConnected
	}
	bare := bareKey(identifier)

	resp, err := e.request(ctx, &wire.IQ{To: bare, Type: wire.TypeGet, VCard: &wire.VCard{}})
	if err != nil {
		e.log.Debug("profile fetch failed",
			zap.String("jid", bare), zap.Error(err))
		return nil, nil
	}
	card := resp.VCard
	if card == nil {
		return nil, nil
	}

	rec := &ProfileRecord{
		JID:         bare,
		FullName:    card.FullName,
		Description: card.Description,
		Raw:         card,
		FetchedAt:   time.Now(),
	}
	if card.Photo != nil {
		switch {
		case card.Photo.BinVal != "":
			data, err := base64.StdEncoding.DecodeString(stripSpace(card.Photo.BinVal))
			if err != nil {
				e.log.Debug("profile photo is not valid base64",
					zap.String("jid", bare), zap.Error(err))
			} else {
				rec.PhotoData = data
				rec.PhotoType = card.Photo.Type
			}
		case card.Photo.ExtVal != "":
			rec.PhotoURL = card.Photo.ExtVal
		}
	}
	return rec, nil
}

// SetProfile replaces the user's own profile. When both inline photo bytes
// and an external URL are supplied, the inline bytes win.
func (e *Engine) SetProfile(ctx context.Context, req ProfileSetRequest) error {
	if !e.connected() {
		return ErrNotConnected
	}

	card := &wire.VCard{
		FullName:    req.FullName,
		Description: req.Description,
	}
	switch {
	case len(req.PhotoData) > 0 && req.PhotoType != "":
		card.Photo = &wire.VCardPhoto{
			Type:   req.PhotoType,
			BinVal: base64.StdEncoding.EncodeToString(req.PhotoData),
		}
	case req.PhotoURL != "":
		card.Photo = &wire.VCardPhoto{ExtVal: req.PhotoURL}
	}

	if _, err := e.request(ctx, &wire.IQ{Type: wire.TypeSet, VCard: card}); err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// stripSpace removes the line folding some servers leave in encoded photo
// data.
func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
