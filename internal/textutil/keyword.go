package textutil

import (
	"path"
	"regexp"
	"strings"
)

var containerExts = map[string]struct{}{
	".mkv": {}, ".mp4": {}, ".avi": {}, ".wmv": {}, ".mov": {}, ".m4v": {},
	".ts": {}, ".m2ts": {}, ".webm": {}, ".flv": {}, ".mpg": {}, ".mpeg": {},
	".iso": {}, ".rmvb": {},
}

var (
	bracketed = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|【[^】]*】|\{[^}]*\}`)
	// Resolution, codec, source and audio tokens that never belong in a title search.
	qualityTokens = regexp.MustCompile(`(?i)(^|[\s._-])(` +
		`\d{3,4}[pi]|[248]k|uhd|fhd|hd|` +
		`[xh]\.?26[45]|hevc|avc|av1|vp9|xvid|divx|` +
		`aac(2\.0)?|ac3|dts|flac|mp3|opus|truehd|` +
		`10bit|8bit|hdr10?|` +
		`blu-?ray|bd-?rip|bd|web-?dl|web-?rip|dvd-?rip|dvd|hdtv|remux|` +
		`uncensored|subbed|dual-?audio` +
		`)($|[\s._-])`)
)

// KeywordFromFilename turns a media file name into a search keyword by
// removing the container extension, bracketed annotations, and
// resolution/codec tokens.
func KeywordFromFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	// Only strip directories from things that are clearly file paths; titles may contain "/".
	if ext := strings.ToLower(path.Ext(name)); ext != "" {
		if _, ok := containerExts[ext]; ok {
			name = path.Base(strings.ReplaceAll(name, `\`, "/"))
			name = name[:len(name)-len(ext)]
		}
	}
	name = Normalize(name)
	name = bracketed.ReplaceAllString(name, " ")
	if !strings.Contains(name, " ") {
		name = strings.NewReplacer(".", " ", "_", " ").Replace(name)
	}
	// Tokens share separators, so a single pass can skip every other one.
	for {
		next := qualityTokens.ReplaceAllString(name, " ")
		if next == name {
			break
		}
		name = next
	}
	name = strings.Trim(name, " -_.")
	return strings.Join(strings.Fields(name), " ")
}
