package ratelimiter

import "strings"

const (
	keyDelimiter  = ":"
	anonymousUser = "anonymous"
)

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// Key 构建限流key: ip:userId:path[:custom]
//
// 各字段中的 % 和 : 会被转义，保证不同标识不会拼出相同的key。
func (id Identifier) Key() string {
	userID := id.UserID
	if userID == "" {
		userID = anonymousUser
	}

	parts := []string{
		keyEscaper.Replace(id.IP),
		keyEscaper.Replace(userID),
		keyEscaper.Replace(id.Path),
	}
	if id.Custom != "" {
		parts = append(parts, keyEscaper.Replace(id.Custom))
	}

	return strings.Join(parts, keyDelimiter)
}

// Validate 检查标识是否可用
func (id Identifier) Validate() error {
	if id.IP == "" && id.Path == "" {
		return ErrInvalidIdentifier
	}
	return nil
}
