package util

import "testing"

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "3000", want: 3000},
		{in: " 8080 ", want: 8080},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "0", wantErr: true},
		{in: "65536", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want %d, got %d", tt.want, got)
			}
		})
	}
}

func TestParseOptionalPortBlankIsNil(t *testing.T) {
	p, err := ParseOptionalPort("   ")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Fatalf("expected nil port, got %d", *p)
	}
}

func TestValidateSubdomain(t *testing.T) {
	tests := []struct {
		name    string
		sub     string
		admin   bool
		wantErr bool
	}{
		{name: "empty means random", sub: ""},
		{name: "valid", sub: "my-app"},
		{name: "too short for user", sub: "api", wantErr: true},
		{name: "short ok for admin", sub: "api", admin: true},
		{name: "uppercase", sub: "MyApp1", wantErr: true},
		{name: "leading hyphen", sub: "-myapp", wantErr: true},
		{name: "trailing hyphen", sub: "myapp-", wantErr: true},
		{name: "underscore", sub: "my_app", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubdomain(tt.sub, tt.admin)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSubdomain(%q) err=%v wantErr=%v", tt.sub, err, tt.wantErr)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Fatalf("unexpected short id %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Fatalf("unexpected short id %q", got)
	}
}
