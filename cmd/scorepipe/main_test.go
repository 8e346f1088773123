package main

import (
	"testing"
)

func TestResolvePhase(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		want    int
		wantErr bool
	}{
		{
			name: "by name",
			arg:  "score",
			want: 1,
		},
		{
			name: "by ordinal",
			arg:  "4",
			want: 4,
		},
		{
			name: "first phase",
			arg:  "ingest",
			want: 0,
		},
		{
			name:    "unknown name",
			arg:     "frobnicate",
			wantErr: true,
		},
		{
			name:    "ordinal out of range",
			arg:     "9",
			wantErr: true,
		},
		{
			name:    "negative ordinal",
			arg:     "-1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolvePhase(tt.arg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolvePhase(%q) error = %v, wantErr %v", tt.arg, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("resolvePhase(%q) = %d, want %d", tt.arg, got, tt.want)
			}
		})
	}
}
