package main

import (
	"path/filepath"

	imgdl "github.com/ductranprof99/Image-Downloader-sub000"

	"github.com/kardianos/osext"
)

// buildManager constructs a Manager from the persistent CLI flags.
// Absent an explicit --cache-root, the default root sits next to the
// imgdlctl executable itself (via kardianos/osext.Executable, which
// resolves correctly even when argv[0] is a relative path or the
// binary was exec'd through a symlink); if that can't be resolved
// (e.g. a locked-down container), Manager.New's own default - the OS
// user-cache directory - takes over instead.
func buildManager() (*imgdl.Manager, error) {
	cfg := imgdl.DefaultConfig()
	cfg.Network.MaxConcurrentDownloads = flagConcurrency
	if flagCacheRoot != "" {
		cfg.Storage.RootPath = flagCacheRoot
	} else if root, err := executableRelativeCacheRoot(); err == nil {
		cfg.Storage.RootPath = root
	}
	return imgdl.New(cfg, nil)
}

func executableRelativeCacheRoot() (string, error) {
	exe, err := osext.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), ".imgdlctl-cache"), nil
}
