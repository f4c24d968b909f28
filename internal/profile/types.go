package profile

import "time"

// MedicalProfile is the owner's health background used to personalize
// briefings. Every field is optional.
type MedicalProfile struct {
	DOB               *time.Time `json:"dob,omitempty"`
	Sex               string     `json:"sex,omitempty"`
	BloodType         string     `json:"bloodType,omitempty"`
	ChronicConditions []string   `json:"chronicConditions"`
	FamilyHistory     []string   `json:"familyHistory"`
	Allergies         []string   `json:"allergies"`
	Medications       []string   `json:"medications"`
}

// Empty reports whether no field has been set.
func (p MedicalProfile) Empty() bool {
	return p.DOB == nil && p.Sex == "" && p.BloodType == "" &&
		len(p.ChronicConditions) == 0 && len(p.FamilyHistory) == 0 &&
		len(p.Allergies) == 0 && len(p.Medications) == 0
}

// Patch is a partial update. Nil fields are left unchanged; an empty string
// or empty list clears the field.
type Patch struct {
	DOB               *string   `json:"dob"`
	Sex               *string   `json:"sex"`
	BloodType         *string   `json:"bloodType"`
	ChronicConditions *[]string `json:"chronicConditions"`
	FamilyHistory     *[]string `json:"familyHistory"`
	Allergies         *[]string `json:"allergies"`
	Medications       *[]string `json:"medications"`
}

// Storage keys.
const (
	KeyDOB               = "dob"
	KeySex               = "sex"
	KeyBloodType         = "bloodType"
	KeyChronicConditions = "chronicConditions"
	KeyFamilyHistory     = "familyHistory"
	KeyAllergies         = "allergies"
	KeyMedications       = "medications"
)

// dobLayout is the accepted date-of-birth format.
const dobLayout = "2006-01-02"

// Keys lists every profile key in display order.
func Keys() []string {
	return []string{KeyDOB, KeySex, KeyBloodType, KeyChronicConditions, KeyFamilyHistory, KeyAllergies, KeyMedications}
}

func isListKey(key string) bool {
	switch key {
	case KeyChronicConditions, KeyFamilyHistory, KeyAllergies, KeyMedications:
		return true
	}
	return false
}
