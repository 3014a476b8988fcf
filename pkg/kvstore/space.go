package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

func (c *Config) check() error {
	if c.InMemory {
		return nil
	}
	if c.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(c.Path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if c.MinimumFreeSpace <= 0 {
		return nil
	}
	usage, err := disk.Usage(c.Path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", c.Path, err)
	}
	if int(usage.Free/(1024*1024*1024)) < c.MinimumFreeSpace {
		return errors.New("not enough space available on disk")
	}
	return nil
}

// directorySize sums the sizes of all files below path.
func directorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// logDiskUsage logs the device usage of path. Failures
// are logged and otherwise ignored.
func logDiskUsage(log *logrus.Logger, path string) {
	usage, err := disk.Usage(path)
	if err != nil {
		log.WithField("path", path).Errorf("Error retrieving disk usage stats: %v", err)
		return
	}
	dbSize, err := directorySize(path)
	if err != nil {
		log.WithField("path", path).Errorf("Error calculating directory size: %v", err)
		return
	}

	log.WithFields(logrus.Fields{
		"Path":        path,
		"Filesystem":  usage.Fstype,
		"Total (GB)":  fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"Used (GB)":   fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
		"Free (GB)":   fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"Usage by DB": fmt.Sprintf("%.2f", float64(dbSize)/1e9),
	}).Info("Disk Usage")
}
