package models

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when no account row matches.
var ErrAccountNotFound = errors.New("models: account not found")

// FindAccount returns the account slot of a user.
func FindAccount(db *gorm.DB, userID string, accountType AccountType, index int, businessID string) (*Account, error) {
	var acct Account
	q := db.Where("user_id = ? AND account_type = ? AND account_index = ?", userID, accountType, index)
	if accountType == AccountBusiness {
		q = q.Where("business_id = ?", businessID)
	}
	if err := q.First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

// AccountByPhone resolves a phone number to the owner's primary personal
// account.
func AccountByPhone(db *gorm.DB, phone string) (*Account, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, ErrAccountNotFound
	}
	var acct Account
	err := db.Where("phone_number = ? AND account_type = ? AND account_index = 0", phone, AccountPersonal).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// AccountByAddress returns the account holding addr, if any.
func AccountByAddress(db *gorm.DB, addr string) (*Account, error) {
	var acct Account
	err := db.Where("address = ?", addr).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}
