package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// md5Password computes "md5" + md5hex(md5hex(password+user) + salt), the
// formula PostgreSQL's AuthenticationMD5Password challenge expects back in
// a PasswordMessage (spec.md §4.4).
func md5Password(user, password string, salt [4]byte) string {
	inner := md5Hex(password + user)
	outer := md5Hex(inner + string(salt[:]))
	return "md5" + outer
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
