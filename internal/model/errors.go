package model

import "errors"

var (
	ErrInvalidDate       = errors.New("invalid date")
	ErrInvalidTime       = errors.New("invalid time of day")
	ErrEndBeforeStart    = errors.New("end date before start date")
	ErrInvalidFrequency  = errors.New("invalid recurrence frequency")
	ErrInvalidWeekday    = errors.New("invalid weekday")
	ErrMissingWeekdays   = errors.New("weekly recurrence without weekdays")
	ErrMissingID         = errors.New("missing id")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
)
