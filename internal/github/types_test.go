package github

import "testing"

func TestParseRepoSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    RepoSpec
		wantErr bool
	}{
		{
			name: "owner",
			spec: "cli",
			want: RepoSpec{Owner: "cli"},
		},
		{
			name: "owner and repo",
			spec: "cli/go-gh",
			want: RepoSpec{Owner: "cli", Repo: "go-gh"},
		},
		{
			name: "with category",
			spec: "cli/go-gh~libraries",
			want: RepoSpec{Owner: "cli", Repo: "go-gh", Category: "libraries"},
		},
		{
			name: "github url",
			spec: "https://github.com/cli/go-gh/~libraries",
			want: RepoSpec{Owner: "cli", Repo: "go-gh", Category: "libraries"},
		},
		{
			name:    "empty",
			spec:    "",
			wantErr: true,
		},
		{
			name:    "too many segments",
			spec:    "cli/go-gh/pkg",
			wantErr: true,
		},
		{
			name:    "missing owner",
			spec:    "/go-gh",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRepoSpec(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseRepoSpec() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseRepoSpec() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRepoSpecString(t *testing.T) {
	if got := (RepoSpec{Owner: "cli"}).String(); got != "cli" {
		t.Errorf("String() = %q, want cli", got)
	}
	if got := (RepoSpec{Owner: "cli", Repo: "cli", Category: "x"}).String(); got != "cli/cli" {
		t.Errorf("String() = %q, want cli/cli", got)
	}
}

func TestExpandArchiveURL(t *testing.T) {
	tests := []struct {
		template string
		ref      string
		want     string
	}{
		{
			template: "https://api.github.com/repos/cli/cli/{archive_format}{/ref}",
			ref:      "trunk",
			want:     "https://api.github.com/repos/cli/cli/zipball/trunk",
		},
		{
			template: "",
			ref:      "main",
			want:     "",
		},
	}

	for _, tt := range tests {
		if got := expandArchiveURL(tt.template, tt.ref); got != tt.want {
			t.Errorf("expandArchiveURL(%q, %q) = %q, want %q", tt.template, tt.ref, got, tt.want)
		}
	}
}
