package forge

import (
	"os"
	"regexp"
	"strconv"
	"strings"
)

// sdkEnvVar toggles the cross-toolchain rewrite of configure commands.
const sdkEnvVar = "FORGE_SDK"

var (
	reInstallPrefix = regexp.MustCompile(`-DCMAKE_INSTALL_PREFIX=\S*`)
	reToolchain     = regexp.MustCompile(`-DCMAKE_TOOLCHAIN_FILE=\S*`)
	reCMake         = regexp.MustCompile(`cmake \S* `)
	reCC            = regexp.MustCompile(`\bCC=\S* `)
	reCXX           = regexp.MustCompile(`\bCXX=\S* `)
)

// SDKSettings holds the cross-build values injected into CMake commands.
type SDKSettings struct {
	Enabled   bool
	Prefix    string
	Toolchain string
}

// sdkSettingsFromEnv reads FORGE_SDK and the sdk_prefix/toolchain keys.
func sdkSettingsFromEnv(cfg *Config) SDKSettings {
	on, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv(sdkEnvVar)))
	return SDKSettings{
		Enabled:   on,
		Prefix:    cfg.Get("sdk_prefix"),
		Toolchain: cfg.Get("toolchain"),
	}
}

// ConfigFilter rewrites a rendered configure command for SDK builds.
//
// Only commands containing a "cmake <dir> " invocation are touched: the
// install prefix and toolchain file arguments are replaced, or inserted
// after the source directory when absent, and explicit CC=/CXX=
// assignments are stripped. With the SDK disabled the input is returned
// unchanged.
func ConfigFilter(cmd string, sdk SDKSettings) string {
	if !sdk.Enabled {
		return cmd
	}
	if !reCMake.MatchString(cmd) {
		return cmd
	}

	cmd = replaceOrInsertAfterCMake(cmd, reInstallPrefix, "-DCMAKE_INSTALL_PREFIX="+sdk.Prefix)
	cmd = replaceOrInsertAfterCMake(cmd, reToolchain, "-DCMAKE_TOOLCHAIN_FILE="+sdk.Toolchain)
	cmd = reCC.ReplaceAllLiteralString(cmd, "")
	cmd = reCXX.ReplaceAllLiteralString(cmd, "")
	return cmd
}

func replaceOrInsertAfterCMake(cmd string, re *regexp.Regexp, arg string) string {
	if re.MatchString(cmd) {
		return re.ReplaceAllLiteralString(cmd, arg)
	}
	loc := reCMake.FindStringIndex(cmd)
	if loc == nil {
		return cmd
	}
	idx := loc[1]
	return cmd[:idx] + arg + " " + cmd[idx:]
}

// InstallFilter is applied to rendered install commands. It currently
// passes commands through; staging installs (DESTDIR) would hook in here.
func InstallFilter(cmd string) string {
	return cmd
}
