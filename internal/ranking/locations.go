package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

const cursorKey = "location-cursor"

func locationKey(location string) string {
	return "location:" + location
}

// SaveLocation registers location once. A cache memo spares the store write
// for locations already seen.
func (e *Engine) SaveLocation(ctx context.Context, location string) error {
	key := locationKey(location)
	if _, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return nil
	} else if err != nil {
		e.locationLog.Warn("location memo read failed", slog.String("location", location), slog.Any("error", err))
	}
	if err := e.store.SaveLocation(ctx, location); err != nil {
		return fmt.Errorf("ranking: save location %s: %w", location, err)
	}
	if _, err := e.cache.Add(ctx, key, []byte("1")); err != nil {
		e.locationLog.Warn("location memo write failed", slog.String("location", location), slog.Any("error", err))
	}
	return nil
}

// RandomLocation picks a registered location uniformly, or "" when none exist.
func (e *Engine) RandomLocation(ctx context.Context) (string, error) {
	locations, err := e.store.Locations(ctx)
	if err != nil {
		return "", fmt.Errorf("ranking: list locations: %w", err)
	}
	if len(locations) == 0 {
		return "", nil
	}
	return locations[e.intn(len(locations))], nil
}

// NextLocation returns the location at the round-robin cursor and advances it.
func (e *Engine) NextLocation(ctx context.Context) (string, error) {
	locations, err := e.store.Locations(ctx)
	if err != nil {
		return "", fmt.Errorf("ranking: list locations: %w", err)
	}
	if len(locations) == 0 {
		return "", nil
	}
	return e.nextLocation(ctx, locations), nil
}

func (e *Engine) nextLocation(ctx context.Context, locations []string) string {
	index := e.startCursor(ctx, len(locations))
	e.saveCursor(ctx, index+1)
	return locations[index]
}

// startCursor seeds the cursor when absent and returns its position.
func (e *Engine) startCursor(ctx context.Context, n int) int {
	if _, err := e.cache.Add(ctx, cursorKey, []byte("0")); err != nil {
		e.locationLog.Warn("cursor init failed", slog.Any("error", err))
	}
	return e.cursor(ctx, n)
}

func (e *Engine) saveCursor(ctx context.Context, index int) {
	if err := e.cache.Set(ctx, cursorKey, []byte(strconv.Itoa(index))); err != nil {
		e.locationLog.Warn("cursor advance failed", slog.Any("error", err))
	}
}

// cursor reads the saved index, wrapping to the start when it is missing,
// unreadable or past the end.
func (e *Engine) cursor(ctx context.Context, n int) int {
	raw, ok, err := e.cache.Get(ctx, cursorKey)
	if err != nil || !ok {
		return 0
	}
	index, err := strconv.Atoi(string(raw))
	if err != nil || index < 0 || index >= n {
		return 0
	}
	return index
}
