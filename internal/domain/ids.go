package domain

import "strconv"

// UserID: идентификатор пользователя из auth-service (sub в access-токене).
type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, ErrInvalidUserID
	}
	return UserID(v), nil
}
