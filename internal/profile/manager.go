package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrInvalidField is returned for unknown keys or malformed values.
var ErrInvalidField = errors.New("invalid profile field")

// ProfileStore defines the storage operations the Manager needs.
// Implemented by storage.Store and postgres.Store.
type ProfileStore interface {
	SetProfileKey(ctx context.Context, ownerID, key, value string) error
	GetAllProfileKeys(ctx context.Context, ownerID string) (map[string]string, error)
	DeleteProfileKey(ctx context.Context, ownerID, key string) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type cacheEntry struct {
	profile  MedicalProfile
	cachedAt time.Time
}

// Manager provides cached, structured access to owner profiles.
type Manager struct {
	store ProfileStore
	clock Clock
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store ProfileStore) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store ProfileStore, clock Clock, ttl time.Duration) *Manager {
	return &Manager{
		store: store,
		clock: clock,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// GetProfile returns the owner's profile from cache or storage. An owner with
// no stored keys gets an empty profile.
func (m *Manager) GetProfile(ctx context.Context, ownerID string) (MedicalProfile, error) {
	m.mu.RLock()
	e, ok := m.cache[ownerID]
	m.mu.RUnlock()
	if ok && m.clock.Now().Before(e.cachedAt.Add(m.ttl)) {
		return copyProfile(e.profile), nil
	}

	keys, err := m.store.GetAllProfileKeys(ctx, ownerID)
	if err != nil {
		return MedicalProfile{}, fmt.Errorf("loading profile keys: %w", err)
	}
	p := buildProfile(keys)

	m.mu.Lock()
	m.cache[ownerID] = cacheEntry{profile: p, cachedAt: m.clock.Now()}
	m.mu.Unlock()
	return copyProfile(p), nil
}

// SetField stores one key. Scalar keys take a string; list keys take a
// []string or a comma-separated string. An empty value removes the key.
func (m *Manager) SetField(ctx context.Context, ownerID, key string, value any) error {
	encoded, err := encodeField(key, value)
	if err != nil {
		return err
	}
	defer m.invalidate(ownerID)

	if encoded == "" {
		if err := m.store.DeleteProfileKey(ctx, ownerID, key); err != nil {
			return fmt.Errorf("clearing profile key %q: %w", key, err)
		}
		return nil
	}
	if err := m.store.SetProfileKey(ctx, ownerID, key, encoded); err != nil {
		return fmt.Errorf("setting profile key %q: %w", key, err)
	}
	return nil
}

// Apply validates every field in patch before writing any of them.
func (m *Manager) Apply(ctx context.Context, ownerID string, patch Patch) (MedicalProfile, error) {
	type field struct {
		key   string
		value any
	}
	var fields []field
	add := func(key string, v any) { fields = append(fields, field{key, v}) }
	if patch.DOB != nil {
		add(KeyDOB, *patch.DOB)
	}
	if patch.Sex != nil {
		add(KeySex, *patch.Sex)
	}
	if patch.BloodType != nil {
		add(KeyBloodType, *patch.BloodType)
	}
	if patch.ChronicConditions != nil {
		add(KeyChronicConditions, *patch.ChronicConditions)
	}
	if patch.FamilyHistory != nil {
		add(KeyFamilyHistory, *patch.FamilyHistory)
	}
	if patch.Allergies != nil {
		add(KeyAllergies, *patch.Allergies)
	}
	if patch.Medications != nil {
		add(KeyMedications, *patch.Medications)
	}

	for _, f := range fields {
		if _, err := encodeField(f.key, f.value); err != nil {
			return MedicalProfile{}, err
		}
	}
	for _, f := range fields {
		if err := m.SetField(ctx, ownerID, f.key, f.value); err != nil {
			return MedicalProfile{}, err
		}
	}
	return m.GetProfile(ctx, ownerID)
}

// GetSummary renders the owner's profile as a prompt block. It returns ""
// when the owner has no profile.
func (m *Manager) GetSummary(ctx context.Context, ownerID string) (string, error) {
	p, err := m.GetProfile(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("getting profile for summary: %w", err)
	}
	return Summarize(p, m.clock.Now()), nil
}

func (m *Manager) invalidate(ownerID string) {
	m.mu.Lock()
	delete(m.cache, ownerID)
	m.mu.Unlock()
}

// Summarize renders p as of now. Unset fields read "unknown" or "none".
func Summarize(p MedicalProfile, now time.Time) string {
	if p.Empty() {
		return ""
	}

	age := "unknown"
	if p.DOB != nil {
		age = fmt.Sprint(Age(*p.DOB, now))
	}

	var sb strings.Builder
	sb.WriteString("Patient context:")
	line := func(name, value, fallback string) {
		if value == "" {
			value = fallback
		}
		fmt.Fprintf(&sb, "\n- %s: %s", name, value)
	}
	line("age", age, "unknown")
	line("sex", p.Sex, "unknown")
	line("bloodType", p.BloodType, "unknown")
	line("chronicConditions", strings.Join(p.ChronicConditions, ", "), "none")
	line("familyHistory", strings.Join(p.FamilyHistory, ", "), "none")
	line("allergies", strings.Join(p.Allergies, ", "), "none")
	line("medications", strings.Join(p.Medications, ", "), "none")
	return sb.String()
}

// Age is whole years between dob and now, using 365.25-day years.
func Age(dob, now time.Time) int {
	years := now.Sub(dob).Hours() / 24 / 365.25
	if years < 0 {
		return 0
	}
	return int(years)
}

func encodeField(key string, value any) (string, error) {
	if !slices.Contains(Keys(), key) {
		return "", fmt.Errorf("%w: unknown key %q", ErrInvalidField, key)
	}

	if isListKey(key) {
		var items []string
		switch v := value.(type) {
		case []string:
			items = v
		case string:
			items = strings.Split(v, ",")
		default:
			return "", fmt.Errorf("%w: %s must be a list of strings", ErrInvalidField, key)
		}
		items = cleanList(items)
		if len(items) == 0 {
			return "", nil
		}
		b, err := json.Marshal(items)
		if err != nil {
			return "", fmt.Errorf("marshalling value for key %q: %w", key, err)
		}
		return string(b), nil
	}

	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	s = strings.TrimSpace(s)
	if key == KeyDOB && s != "" {
		if _, err := time.Parse(dobLayout, s); err != nil {
			return "", fmt.Errorf("%w: dob must be formatted YYYY-MM-DD", ErrInvalidField)
		}
	}
	return s, nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func buildProfile(keys map[string]string) MedicalProfile {
	p := MedicalProfile{
		Sex:       keys[KeySex],
		BloodType: keys[KeyBloodType],
	}
	if v, ok := keys[KeyDOB]; ok {
		if t, err := time.Parse(dobLayout, v); err == nil {
			p.DOB = &t
		} else {
			slog.Warn("malformed profile key, skipping", "key", KeyDOB, "error", err)
		}
	}
	unmarshalProfileKey(keys, KeyChronicConditions, &p.ChronicConditions)
	unmarshalProfileKey(keys, KeyFamilyHistory, &p.FamilyHistory)
	unmarshalProfileKey(keys, KeyAllergies, &p.Allergies)
	unmarshalProfileKey(keys, KeyMedications, &p.Medications)
	return copyProfile(p)
}

// unmarshalProfileKey unmarshals a JSON value from keys into target, logging
// a warning if the value is present but malformed.
func unmarshalProfileKey(keys map[string]string, key string, target *[]string) {
	v, ok := keys[key]
	if !ok {
		return
	}
	if err := json.Unmarshal([]byte(v), target); err != nil {
		slog.Warn("malformed profile key, skipping", "key", key, "error", err)
		*target = nil
	}
}

// copyProfile deep-copies p and replaces nil lists with empty ones.
func copyProfile(p MedicalProfile) MedicalProfile {
	cp := p
	if p.DOB != nil {
		d := *p.DOB
		cp.DOB = &d
	}
	cp.ChronicConditions = append([]string{}, p.ChronicConditions...)
	cp.FamilyHistory = append([]string{}, p.FamilyHistory...)
	cp.Allergies = append([]string{}, p.Allergies...)
	cp.Medications = append([]string{}, p.Medications...)
	return cp
}
