package upload

import (
	"path"
	"strings"
)

const defaultMimeType = "application/octet-stream"

var mimeTypes = map[string]string{
	".jpg":     "image/jpeg",
	".jpeg":    "image/jpeg",
	".png":     "image/png",
	".gif":     "image/gif",
	".webp":    "image/webp",
	".svg":     "image/svg+xml",
	".heic":    "image/heic",
	".mp4":     "video/mp4",
	".mov":     "video/quicktime",
	".webm":    "video/webm",
	".mkv":     "video/x-matroska",
	".mp3":     "audio/mpeg",
	".wav":     "audio/wav",
	".ogg":     "audio/ogg",
	".flac":    "audio/flac",
	".pdf":     "application/pdf",
	".txt":     "text/plain",
	".csv":     "text/csv",
	".json":    "application/json",
	".html":    "text/html",
	".zip":     "application/zip",
	".tar":     "application/x-tar",
	".tar.gz":  "application/gzip",
	".tgz":     "application/gzip",
	".gz":      "application/gzip",
	".tar.zst": "application/zstd",
	".tzst":    "application/zstd",
	".7z":      "application/x-7z-compressed",
	".exe":     "application/x-msdownload",
	".dll":     "application/x-msdownload",
	".msi":     "application/x-msi",
	".bat":     "application/x-bat",
	".cmd":     "application/x-bat",
	".com":     "application/x-msdos-program",
	".scr":     "application/x-msdownload",
	".vbs":     "application/x-vbscript",
	".ps1":     "application/x-powershell",
	".sh":      "application/x-sh",
	".jar":     "application/java-archive",
	".apk":     "application/vnd.android.package-archive",
	".dmg":     "application/x-apple-diskimage",
	".deb":     "application/x-debian-package",
	".rpm":     "application/x-rpm",
	".php":     "application/x-httpd-php",
}

// blockedMimeTypes are refused regardless of size, tier or settings.
var blockedMimeTypes = map[string]bool{
	"application/x-msdownload":                true,
	"application/x-msi":                       true,
	"application/x-bat":                       true,
	"application/x-msdos-program":             true,
	"application/x-vbscript":                  true,
	"application/x-powershell":                true,
	"application/x-sh":                        true,
	"application/java-archive":                true,
	"application/vnd.android.package-archive": true,
	"application/x-apple-diskimage":           true,
	"application/x-debian-package":            true,
	"application/x-rpm":                       true,
	"application/x-httpd-php":                 true,
}

// Extension returns the lower-cased extension of name, treating compressed
// tarball suffixes such as ".tar.gz" as one extension.
func Extension(name string) string {
	lower := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	for _, double := range []string{".tar.gz", ".tar.zst"} {
		if strings.HasSuffix(lower, double) {
			return double
		}
	}
	return path.Ext(lower)
}

func MimeType(name string) string {
	if mimeType, ok := mimeTypes[Extension(name)]; ok {
		return mimeType
	}
	return defaultMimeType
}

func IsBlocked(mimeType string) bool {
	return blockedMimeTypes[mimeType]
}
