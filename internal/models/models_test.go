package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("attach: %w", NotFound("abc"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, ErrKindNotFound, KindOf(err))
	assert.Equal(t, ErrKindInternal, KindOf(errors.New("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrKindConnectionFailed, cause, "dial 10.0.0.1:22")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, "dial 10.0.0.1:22: connection refused", err.Error())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"local", Config{Kind: KindLocal, Cols: 80, Rows: 24}, true},
		{"zero size", Config{Kind: KindLocal}, false},
		{"too wide", Config{Kind: KindLocal, Cols: 501, Rows: 24}, false},
		{"remote without host", Config{Kind: KindRemote, Cols: 80, Rows: 24}, false},
		{"remote", Config{Kind: KindRemote, Host: "example.com", Port: 2222, Cols: 80, Rows: 24}, true},
		{"serial without device", Config{Kind: KindSerial, Cols: 80, Rows: 24}, false},
		{"unknown kind", Config{Kind: "telnet", Cols: 80, Rows: 24}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestConfigAddressDefaultsPort(t *testing.T) {
	assert.Equal(t, "example.com:22", Config{Host: "example.com"}.Address())
	assert.Equal(t, "example.com:2222", Config{Host: "example.com", Port: 2222}.Address())
}

func TestAuthMethodValidate(t *testing.T) {
	require.NoError(t, PasswordAuth("x").Validate())
	require.NoError(t, AgentAuth().Validate())
	require.ErrorIs(t, PublicKeyAuth("", "").Validate(), ErrInvalidRequest)

	var missing *AuthMethod
	require.ErrorIs(t, missing.Validate(), ErrInvalidRequest)
}
