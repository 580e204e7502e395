package repo

import "errors"

var (
	ErrSlugExists   = errors.New("slug already exists")
	ErrLinkNotFound = errors.New("link not found")
	ErrJobNotFound  = errors.New("job not found")
)
