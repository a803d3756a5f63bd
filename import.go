package diskfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-adf/filesystem/adf"
	"github.com/djherbis/times"
	"github.com/pkg/xattr"
	log "github.com/sirupsen/logrus"
)

// Extended attributes carrying the AmigaDOS metadata of exported files
const (
	XattrComment    = "user.amiga.comment"
	XattrProtection = "user.amiga.protection"
)

// ImportFile copies the host file at hostPath into fs at dest. The host modification time
// becomes the entry date; comment and protection bits are taken from the XattrComment and
// XattrProtection attributes when the host file carries them. An empty dest, or one ending
// in "/", imports under the host file name.
func ImportFile(fs *adf.FileSystem, hostPath, dest string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", hostPath, err)
	}
	if dest == "" || strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, ":") {
		dest += filepath.Base(hostPath)
	}
	if err := fs.WriteFile(dest, data); err != nil {
		return fmt.Errorf("could not write %s: %w", dest, err)
	}
	if comment, ok := getXattr(hostPath, XattrComment); ok && comment != "" {
		if err := fs.SetComment(dest, comment); err != nil {
			return fmt.Errorf("could not set comment of %s: %w", dest, err)
		}
	}
	if s, ok := getXattr(hostPath, XattrProtection); ok {
		prot, err := adf.ParseProtection(s)
		if err != nil {
			log.WithFields(log.Fields{"path": hostPath}).Warnf("ignoring protection attribute: %v", err)
		} else if err := fs.SetProtection(dest, prot); err != nil {
			return fmt.Errorf("could not set protection of %s: %w", dest, err)
		}
	}
	// the date goes last, metadata changes stamp the entry with the current time
	ts, err := times.Stat(hostPath)
	if err != nil {
		return fmt.Errorf("could not read times of %s: %w", hostPath, err)
	}
	if err := fs.SetModTime(dest, ts.ModTime()); err != nil {
		return fmt.Errorf("could not set date of %s: %w", dest, err)
	}
	log.WithFields(log.Fields{"from": hostPath, "to": dest, "size": len(data)}).Debug("imported file")
	return nil
}

// ExportFile copies the file at src in fs to hostPath, setting the host modification time
// from the entry date and recording comment and protection bits as extended attributes.
// Hosts without extended attribute support get the data and date only.
func ExportFile(fs *adf.FileSystem, src, hostPath string) error {
	fi, err := fs.Stat(src)
	if err != nil {
		return err
	}
	entry, ok := fi.Sys().(*adf.Entry)
	if !ok || entry.Type != adf.EntryFile {
		return fmt.Errorf("%s: not a regular file", src)
	}
	data, err := fs.ReadFile(src)
	if err != nil {
		return err
	}
	if hostPath == "" {
		hostPath = path.Base(strings.ReplaceAll(src, ":", "/"))
	}
	if err := os.WriteFile(hostPath, data, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", hostPath, err)
	}
	if entry.Comment != "" {
		setXattr(hostPath, XattrComment, entry.Comment)
	}
	setXattr(hostPath, XattrProtection, entry.ProtectionString())
	if err := os.Chtimes(hostPath, entry.Modified, entry.Modified); err != nil {
		return fmt.Errorf("could not set times of %s: %w", hostPath, err)
	}
	log.WithFields(log.Fields{"from": src, "to": hostPath, "size": len(data)}).Debug("exported file")
	return nil
}

func getXattr(p, name string) (string, bool) {
	b, err := xattr.Get(p, name)
	if err != nil {
		if !errors.Is(err, xattr.ENOATTR) {
			log.WithFields(log.Fields{"path": p, "attribute": name}).Debugf("could not read attribute: %v", err)
		}
		return "", false
	}
	return string(b), true
}

func setXattr(p, name, value string) {
	if err := xattr.Set(p, name, []byte(value)); err != nil {
		log.WithFields(log.Fields{"path": p, "attribute": name}).Warnf("could not set attribute, AmigaDOS metadata not kept: %v", err)
	}
}
