package main

import (
	"path"
	"strings"
)

var categoryBySuffix = map[string]int{
	".mp4": CategoryVideo, ".avi": CategoryVideo, ".rmvb": CategoryVideo,
	".mkv": CategoryVideo, ".mov": CategoryVideo, ".flv": CategoryVideo,

	".mp3": CategoryMusic, ".wav": CategoryMusic, ".flac": CategoryMusic,
	".aac": CategoryMusic, ".ogg": CategoryMusic,

	".jpg": CategoryImage, ".jpeg": CategoryImage, ".png": CategoryImage,
	".gif": CategoryImage, ".bmp": CategoryImage, ".webp": CategoryImage,

	".pdf": CategoryDoc, ".doc": CategoryDoc, ".docx": CategoryDoc,
	".xls": CategoryDoc, ".xlsx": CategoryDoc, ".txt": CategoryDoc,
	".md": CategoryDoc,
}

// categoryForName maps a file name to its media category by suffix.
func categoryForName(name string) int {
	if cat, ok := categoryBySuffix[strings.ToLower(path.Ext(name))]; ok {
		return cat
	}
	return CategoryOther
}
