package engine

// Budget handles for tests exercising the timeout paths.
var (
	ConnectBudget = &connectBudget
	SaveBudget    = &saveBudget
)
