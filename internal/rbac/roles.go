package rbac

// Role names carried in operator tokens.
const (
	RoleOwner    = "owner"    // account holder: campaigns and balance
	RoleOperator = "operator" // runs campaigns, no money actions
	RoleAnalyst  = "analyst"  // read-only
	RoleAdmin    = "admin"    // platform staff: grants, any account
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// CampaignWriters may create, start, pause and resume campaigns.
var CampaignWriters = []string{RoleOwner, RoleOperator}

// CampaignReaders may view campaigns and stats.
var CampaignReaders = []string{RoleOwner, RoleOperator, RoleAnalyst}
