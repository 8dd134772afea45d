package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Cursors carry the id of the last job on the previous page. Job ids only
// grow, so paging by id stays stable while new jobs are enqueued.

func DecodeJobCursor(cursorStr string) (int64, error) {
	if cursorStr == "" {
		return 0, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return 0, err
	}

	id, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid cursor format")
	}
	return id, nil
}

func EncodeJobCursor(lastID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}
