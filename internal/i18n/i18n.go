// Package i18n holds the English and French user-facing messages and picks
// one per request.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type localizerKey struct{}

var bundle *i18n.Bundle

// Init builds the message bundle from the embedded locale files. lang is
// used when a request names no language the bundle has.
func Init(lang string) error {
	tag, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(tag)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return fmt.Errorf("list locales: %w", err)
	}
	for _, name := range files {
		mf, err := b.LoadMessageFileFS(localeFS, name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		slog.Debug("loaded locale", "file", name, "lang", mf.Tag, "messages", len(mf.Messages))
	}

	bundle = b
	slog.Info("messages ready", "default", tag, "languages", b.LanguageTags())
	return nil
}

// NewLocalizer returns a localizer trying langs in order. Each entry may be
// a bare tag or a whole Accept-Language value.
func NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(bundle, langs...)
}

// WithLocalizer returns ctx carrying loc.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, localizerKey{}, loc)
}

func localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	loc, ok := ctx.Value(localizerKey{}).(*i18n.Localizer)
	if !ok {
		loc = i18n.NewLocalizer(bundle)
	}
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T returns message msgID in the request's language, or msgID itself when
// there is no translation.
func T(ctx context.Context, msgID string) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td is T with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp picks the plural form for count and exposes it to the template as Count.
func Tp(ctx context.Context, msgID string, count int) string {
	return localize(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
