package push

import (
	"strings"
	"testing"
)

func TestAudienceSpec_ValidateVariants(t *testing.T) {
	tests := []struct {
		name    string
		spec    AudienceSpec
		wantErr bool
	}{
		{"broadcast only", AudienceSpec{Broadcast: true}, false},
		{"recipients only", AudienceSpec{Recipients: []string{"u-1"}}, false},
		{"groups only", AudienceSpec{Groups: []Group{{"dbRole": {"committee"}}}}, false},
		{"nothing", AudienceSpec{}, true},
		{"broadcast and recipients", AudienceSpec{Broadcast: true, Recipients: []string{"u-1"}}, true},
		{"groups and broadcast", AudienceSpec{Broadcast: true, Groups: []Group{{"dbRole": {"committee"}}}}, true},
		{"all three", AudienceSpec{Broadcast: true, Recipients: []string{"u-1"}, Groups: []Group{{"a": {"b"}}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && CodeOf(err) != CodeInvalidArgument {
				t.Errorf("code = %s", CodeOf(err))
			}
		})
	}
}

func TestAudienceSpec_ValidateGroupShape(t *testing.T) {
	manyValues := make([]string, MaxSetValues+1)
	for i := range manyValues {
		manyValues[i] = "v"
	}

	wideGroup := Group{}
	for i := 0; i < MaxGroupFields+1; i++ {
		wideGroup[string(rune('a'+i))] = []string{"v"}
	}

	manyGroups := make([]Group, MaxGroups+1)
	for i := range manyGroups {
		manyGroups[i] = Group{"dbRole": {"committee"}}
	}

	tests := []struct {
		name    string
		spec    AudienceSpec
		wantMsg string
	}{
		{"empty group", AudienceSpec{Groups: []Group{{}}}, "empty"},
		{"too many fields", AudienceSpec{Groups: []Group{wideGroup}}, "fields"},
		{"empty field name", AudienceSpec{Groups: []Group{{"": {"v"}}}}, "field name"},
		{"no allowed values", AudienceSpec{Groups: []Group{{"dbRole": {}}}}, "no allowed values"},
		{"too many values", AudienceSpec{Groups: []Group{{"dbRole": manyValues}}}, "values"},
		{"too many groups", AudienceSpec{Groups: manyGroups}, "groups"},
		{"blank recipient", AudienceSpec{Recipients: []string{"u-1", "  "}}, "non-empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestAudienceSpec_ValidateAtLimits(t *testing.T) {
	values := make([]string, MaxSetValues)
	for i := range values {
		values[i] = "v"
	}
	spec := AudienceSpec{Groups: []Group{{"dbRole": values}}}
	if err := spec.Validate(); err != nil {
		t.Errorf("set at the limit should validate, got %v", err)
	}
}
