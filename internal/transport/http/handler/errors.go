package handler

const (
	errInternalServer   = "Internal server error"
	errJobNotFound      = "Job not found"
	errJobNotPending    = "Job is not pending"
	errTokenNotFound    = "Token not found"
	errScheduleNotFound = "Schedule not found"
	errScheduleConflict = "Schedule with this name already exists"
)
