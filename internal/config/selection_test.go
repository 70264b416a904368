package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelection(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    Selection
		wantErr bool
	}{
		{
			name: "simple list uses default provider",
			spec: "it, fr",
			want: Selection{{ProviderIPDeny, "FR"}, {ProviderIPDeny, "IT"}},
		},
		{
			name: "duplicates collapse case-insensitively",
			spec: "IT,it,It",
			want: Selection{{ProviderIPDeny, "IT"}},
		},
		{
			name: "advanced syntax mixes providers",
			spec: "ipdeny:IT,FR;ripe:de;nirsoft:ES",
			want: Selection{
				{ProviderIPDeny, "FR"}, {ProviderIPDeny, "IT"},
				{ProviderNirsoft, "ES"},
				{ProviderRIPE, "DE"},
			},
		},
		{
			name: "groups without provider use the default",
			spec: "ripe:DE;IT",
			want: Selection{{ProviderIPDeny, "IT"}, {ProviderRIPE, "DE"}},
		},
		{
			name: "empty groups are ignored",
			spec: ";;ripe:DE;",
			want: Selection{{ProviderRIPE, "DE"}},
		},
		{name: "empty", spec: "  ", wantErr: true},
		{name: "bad code", spec: "ITA", wantErr: true},
		{name: "digits", spec: "I1", wantErr: true},
		{name: "unknown provider", spec: "maxmind:IT", wantErr: true},
		{name: "country bound twice", spec: "ipdeny:IT;ripe:IT", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSelection(tt.spec, ProviderIPDeny)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectionString(t *testing.T) {
	sel, err := ParseSelection("ripe:DE;ipdeny:IT,FR", ProviderIPDeny)
	require.NoError(t, err)
	assert.Equal(t, "ipdeny:FR,IT;ripe:DE", sel.String())

	again, err := ParseSelection(sel.String(), ProviderNirsoft)
	require.NoError(t, err)
	assert.Equal(t, sel, again)
}

func TestProviderSupportsIPv6(t *testing.T) {
	assert.True(t, ProviderIPDeny.SupportsIPv6())
	assert.True(t, ProviderRIPE.SupportsIPv6())
	assert.False(t, ProviderNirsoft.SupportsIPv6())
}
