package namespace

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		ns      string
		wantErr bool
	}{
		{"simple", "myproj", false},
		{"with-hyphen", "my-proj-1", false},
		{"leading-hyphen", "-myproj", true},
		{"trailing-hyphen", "myproj-", true},
		{"uppercase", "MyProj", true},
		{"too-long", strings.Repeat("a", 33), true},
		{"empty", "", true},
		{"reserved", "admin", true},
		{"default-allowed", "default", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.ns)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeriveDefault_Deterministic(t *testing.T) {
	a, err := DeriveDefault("/home/user/My Project!!")
	require.NoError(t, err)
	b, err := DeriveDefault("/home/user/My Project!!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NoError(t, Validate(a))
	assert.True(t, strings.HasPrefix(a, "my-project-"))
}

func TestDeriveDefault_DifferentPathsDiffer(t *testing.T) {
	a, err := DeriveDefault("/home/user/proj-a")
	require.NoError(t, err)
	b, err := DeriveDefault("/home/user/proj-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveDefault_LongNameTruncated(t *testing.T) {
	longName := strings.Repeat("x", 100)
	ns, err := DeriveDefault("/tmp/" + longName)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(ns), MaxLength)
	assert.NoError(t, Validate(ns))
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "pm-runner-queue-myproj-ab12", TableName("myproj-ab12"))
}
