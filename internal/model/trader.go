package model

// Broker names a brokerage integration.
type Broker string

const (
	BrokerDhan     Broker = "DHAN"
	BrokerAngelOne Broker = "ANGELONE"
	BrokerPaper    Broker = "PAPER"
)

// Roles eligible to receive signals.
const (
	RoleTrader     = "TRADER"
	RoleAdmin      = "ADMIN"
	RoleSuperAdmin = "SUPERADMIN"
)

// EligibleRole reports whether role may receive fan-out orders.
func EligibleRole(role string) bool {
	switch role {
	case RoleTrader, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// Trader is a platform account that may receive signals.
type Trader struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	IsActive    bool   `json:"is_active"`
	KYCVerified bool   `json:"kyc_verified"`
	DefaultLots int64  `json:"default_lots"`
}

// Credentials is a per-trader, per-broker secret bundle. Only the fields
// of the matching broker are populated.
type Credentials struct {
	Broker   Broker `json:"broker"`
	IsActive bool   `json:"is_active"`

	// Dhan
	ClientID    string `json:"client_id,omitempty"`
	AccessToken string `json:"-"`

	// AngelOne
	APIKey     string `json:"-"`
	ClientCode string `json:"client_code,omitempty"`
	Password   string `json:"-"`
	TOTPSecret string `json:"-"`
}

// Account returns the broker-side account identifier for logs.
func (c *Credentials) Account() string {
	switch c.Broker {
	case BrokerDhan:
		return c.ClientID
	case BrokerAngelOne:
		return c.ClientCode
	}
	return string(c.Broker)
}

// TraderTarget is one (trader, broker) leg of a fan-out.
type TraderTarget struct {
	TraderID    int64       `json:"trader_id"`
	Name        string      `json:"name"`
	Broker      Broker      `json:"broker"`
	Credentials Credentials `json:"-"`
	DefaultLots int64       `json:"default_lots"`
}

// Account is a trader with every stored broker credential and strategy
// subscription. Eligibility filtering happens in the roster.
type Account struct {
	Trader      Trader        `json:"trader"`
	Credentials []Credentials `json:"credentials"`
	Strategies  []string      `json:"strategies,omitempty"`
}
