package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// --- Mock store ---

type mockStore struct {
	mu   sync.Mutex
	data map[string]map[string]string

	getAllCalls int
	failGetAll  error
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[string]map[string]string)}
}

func (m *mockStore) SetProfileKey(_ context.Context, owner, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[owner] == nil {
		m.data[owner] = make(map[string]string)
	}
	m.data[owner][key] = value
	return nil
}

func (m *mockStore) DeleteProfileKey(_ context.Context, owner, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[owner], key)
	return nil
}

func (m *mockStore) GetAllProfileKeys(_ context.Context, owner string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getAllCalls++
	if m.failGetAll != nil {
		return nil, m.failGetAll
	}
	cp := make(map[string]string, len(m.data[owner]))
	for k, v := range m.data[owner] {
		cp[k] = v
	}
	return cp, nil
}

func (m *mockStore) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAllCalls
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Tests ---

func TestGetProfile_Empty(t *testing.T) {
	mgr := NewManager(newMockStore())

	p, err := mgr.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if !p.Empty() {
		t.Errorf("expected empty profile, got %+v", p)
	}
	if p.Allergies == nil {
		t.Error("Allergies should be an empty list, not nil")
	}
}

func TestSetAndGetField(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newMockStore())

	if err := mgr.SetField(ctx, "u1", KeySex, "female"); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	if err := mgr.SetField(ctx, "u1", KeyAllergies, "penicillin, latex ,"); err != nil {
		t.Fatalf("SetField list: %v", err)
	}

	p, err := mgr.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.Sex != "female" {
		t.Errorf("Sex = %q, want female", p.Sex)
	}
	if strings.Join(p.Allergies, "|") != "penicillin|latex" {
		t.Errorf("Allergies = %v", p.Allergies)
	}

	other, err := mgr.GetProfile(ctx, "u2")
	if err != nil {
		t.Fatalf("GetProfile u2: %v", err)
	}
	if !other.Empty() {
		t.Errorf("u2 profile should be empty, got %+v", other)
	}
}

func TestSetField_Invalid(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(newMockStore())

	tests := []struct {
		key   string
		value any
	}{
		{"height", "180"},
		{KeyDOB, "12/31/1990"},
		{KeySex, 42},
		{KeyMedications, 3},
	}
	for _, tt := range tests {
		if err := mgr.SetField(ctx, "u1", tt.key, tt.value); !errors.Is(err, ErrInvalidField) {
			t.Errorf("SetField(%q, %v) err = %v, want ErrInvalidField", tt.key, tt.value, err)
		}
	}
}

func TestApply_ValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	mgr := NewManager(store)

	sex := "male"
	badDOB := "yesterday"
	_, err := mgr.Apply(ctx, "u1", Patch{Sex: &sex, DOB: &badDOB})
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("Apply err = %v, want ErrInvalidField", err)
	}
	if len(store.data["u1"]) != 0 {
		t.Errorf("nothing should be written, got %v", store.data["u1"])
	}

	meds := []string{"metformin"}
	p, err := mgr.Apply(ctx, "u1", Patch{Sex: &sex, Medications: &meds})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.Sex != "male" || len(p.Medications) != 1 {
		t.Errorf("profile after Apply = %+v", p)
	}

	empty := ""
	p, err = mgr.Apply(ctx, "u1", Patch{Sex: &empty})
	if err != nil {
		t.Fatalf("Apply clear: %v", err)
	}
	if p.Sex != "" {
		t.Errorf("Sex = %q, want cleared", p.Sex)
	}
}

func TestGetSummary_Empty(t *testing.T) {
	mgr := NewManager(newMockStore())

	s, err := mgr.GetSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if s != "" {
		t.Errorf("summary = %q, want empty", s)
	}
}

func TestGetSummary_Full(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	clock := &mockClock{now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(store, clock, time.Minute)

	mgr.SetField(ctx, "u1", KeyDOB, "1990-06-02")
	mgr.SetField(ctx, "u1", KeySex, "female")
	mgr.SetField(ctx, "u1", KeyChronicConditions, []string{"asthma", "hypertension"})

	s, err := mgr.GetSummary(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	want := "Patient context:\n" +
		"- age: 35\n" +
		"- sex: female\n" +
		"- bloodType: unknown\n" +
		"- chronicConditions: asthma, hypertension\n" +
		"- familyHistory: none\n" +
		"- allergies: none\n" +
		"- medications: none"
	if s != want {
		t.Errorf("summary =\n%s\nwant\n%s", s, want)
	}
}

func TestCacheTTL(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	ttl := 60 * time.Second
	mgr := NewManagerWithClock(store, clock, ttl)

	mgr.SetField(ctx, "u1", KeySex, "male")

	mgr.GetProfile(ctx, "u1")
	mgr.GetProfile(ctx, "u1")
	if calls := store.calls(); calls != 1 {
		t.Errorf("expected 1 store call (cache hit on second), got %d", calls)
	}

	clock.Advance(ttl + time.Second)
	mgr.GetProfile(ctx, "u1")
	if calls := store.calls(); calls != 2 {
		t.Errorf("expected 2 store calls (cache expired), got %d", calls)
	}
}

func TestCacheInvalidatedOnWrite(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	mgr := NewManager(store)

	mgr.SetField(ctx, "u1", KeyBloodType, "A+")
	if p, _ := mgr.GetProfile(ctx, "u1"); p.BloodType != "A+" {
		t.Fatalf("BloodType = %q, want A+", p.BloodType)
	}

	mgr.SetField(ctx, "u1", KeyBloodType, "O-")
	if p, _ := mgr.GetProfile(ctx, "u1"); p.BloodType != "O-" {
		t.Errorf("BloodType = %q after write, want O-", p.BloodType)
	}
}

func TestGetSummary_StoreError(t *testing.T) {
	store := newMockStore()
	store.failGetAll = errors.New("db down")
	mgr := NewManager(store)

	if _, err := mgr.GetSummary(context.Background(), "u1"); err == nil {
		t.Error("expected error from failing store")
	}
}

func TestAge(t *testing.T) {
	dob := time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC)
	if got := Age(dob, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)); got != 25 {
		t.Errorf("Age = %d, want 25", got)
	}
	if got := Age(dob, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)); got != 26 {
		t.Errorf("Age = %d, want 26", got)
	}
}
