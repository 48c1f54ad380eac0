package domain

import "errors"

var ErrLineNotFound = errors.New("basket line not found")
