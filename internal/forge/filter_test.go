package forge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigFilter(t *testing.T) {
	sdk := SDKSettings{Enabled: true, Prefix: "/sdk/usr", Toolchain: "/sdk/tc.cmake"}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"replaces existing arguments",
			"cmake .. -DCMAKE_INSTALL_PREFIX=/usr -DCMAKE_TOOLCHAIN_FILE=/x.cmake",
			"cmake .. -DCMAKE_INSTALL_PREFIX=/sdk/usr -DCMAKE_TOOLCHAIN_FILE=/sdk/tc.cmake",
		},
		{
			"inserts missing toolchain",
			"cmake .. -DCMAKE_INSTALL_PREFIX=/usr -DFOO=1",
			"cmake .. -DCMAKE_TOOLCHAIN_FILE=/sdk/tc.cmake -DCMAKE_INSTALL_PREFIX=/sdk/usr -DFOO=1",
		},
		{
			"strips compilers",
			"CC=gcc CXX=g++ cmake .. -DCMAKE_INSTALL_PREFIX=/usr -DCMAKE_TOOLCHAIN_FILE=/x",
			"cmake .. -DCMAKE_INSTALL_PREFIX=/sdk/usr -DCMAKE_TOOLCHAIN_FILE=/sdk/tc.cmake",
		},
		{
			"non cmake untouched",
			"CC=gcc ./configure --prefix=/usr",
			"CC=gcc ./configure --prefix=/usr",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ConfigFilter(tt.in, sdk))
		})
	}
}

func TestConfigFilterDisabled(t *testing.T) {
	in := "CC=gcc cmake .. -DCMAKE_INSTALL_PREFIX=/usr"
	require.Equal(t, in, ConfigFilter(in, SDKSettings{Prefix: "/sdk", Toolchain: "/tc"}))
}

func TestSDKSettingsFromEnv(t *testing.T) {
	cfg := NewConfig(Scope{Name: "test", Values: map[string]string{"sdk_prefix": "/sdk", "toolchain": "/tc.cmake"}})

	t.Setenv("FORGE_SDK", "true")
	sdk := sdkSettingsFromEnv(cfg)
	require.True(t, sdk.Enabled)
	require.Equal(t, "/sdk", sdk.Prefix)
	require.Equal(t, "/tc.cmake", sdk.Toolchain)

	t.Setenv("FORGE_SDK", "nope")
	require.False(t, sdkSettingsFromEnv(cfg).Enabled)
}

func TestInstallFilterIsIdentity(t *testing.T) {
	require.Equal(t, "make install", InstallFilter("make install"))
}
