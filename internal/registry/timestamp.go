package registry

import (
	"encoding/base64"
	"strconv"
)

func encodeMillis(ms int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(ms, 10)))
}

func decodeMillis(encoded string) (int64, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}
