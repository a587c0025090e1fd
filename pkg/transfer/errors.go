package transfer

import "errors"

var (
	errEmptyFileList = errors.New("no files given for send")
	errNoDownloadDir = errors.New("no download directory configured")
)
