package schema

// Kind names.
const (
	KindAccount       = "Account"
	KindSecret        = "Secret"
	KindSqlConnection = "SqlConnection"
	KindApiConnection = "ApiConnection"
	KindPlugin        = "Plugin"
	KindChatBot       = "ChatBot"
)

// Plugin classes.
const (
	PluginStatic = "static"
	PluginSQL    = "sql"
	PluginAPI    = "api"
)

type AccountSpec struct {
	AccountNumber string `json:"accountNumber,omitempty"`
	CompanyName   string `json:"companyName"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
	Address1      string `json:"address1,omitempty"`
	Address2      string `json:"address2,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country,omitempty"`
	Language      string `json:"language,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	Currency      string `json:"currency,omitempty"`
}

type SecretSpec struct {
	Value          string `json:"value"`
	ExpirationDate string `json:"expirationDate,omitempty"`
}

type SqlConnectionSpec struct {
	Connection struct {
		DBEngine string `json:"dbEngine"`
		Hostname string `json:"hostname"`
		Port     int    `json:"port"`
		Database string `json:"database"`
		Username string `json:"username"`
		Password string `json:"password,omitempty"`
		Timeout  int    `json:"timeout,omitempty"`
		UseSSL   bool   `json:"useSsl,omitempty"`
	} `json:"connection"`
}

type ApiConnectionSpec struct {
	Connection struct {
		BaseURL    string `json:"baseUrl"`
		AuthMethod string `json:"authMethod"`
		APIKey     string `json:"apiKey,omitempty"`
		Timeout    int    `json:"timeout,omitempty"`
	} `json:"connection"`
}

type Selector struct {
	Directive   string   `json:"directive"`
	SearchTerms []string `json:"searchTerms,omitempty"`
}

type Prompt struct {
	Provider    string  `json:"provider"`
	SystemRole  string  `json:"systemRole"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Default     any    `json:"default,omitempty"`
}

type TestValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type SQLData struct {
	Connection string      `json:"connection"`
	SQLQuery   string      `json:"sqlQuery"`
	Parameters []Parameter `json:"parameters,omitempty"`
	TestValues []TestValue `json:"testValues,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

type APIData struct {
	Connection string            `json:"connection"`
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method,omitempty"`
	Parameters []Parameter       `json:"parameters,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       map[string]any    `json:"body,omitempty"`
	TestValues []TestValue       `json:"testValues,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

type PluginData struct {
	Description string         `json:"description,omitempty"`
	StaticData  map[string]any `json:"staticData,omitempty"`
	SQLData     *SQLData       `json:"sqlData,omitempty"`
	APIData     *APIData       `json:"apiData,omitempty"`
}

type PluginSpec struct {
	Selector Selector   `json:"selector"`
	Prompt   Prompt     `json:"prompt"`
	Data     PluginData `json:"data"`
}

type ChatBotConfig struct {
	Provider           string   `json:"provider,omitempty"`
	DefaultModel       string   `json:"defaultModel,omitempty"`
	DefaultSystemRole  string   `json:"defaultSystemRole,omitempty"`
	DefaultTemperature float64  `json:"defaultTemperature,omitempty"`
	DefaultMaxTokens   int      `json:"defaultMaxTokens,omitempty"`
	AppName            string   `json:"appName,omitempty"`
	AppAssistant       string   `json:"appAssistant,omitempty"`
	AppWelcomeMessage  string   `json:"appWelcomeMessage,omitempty"`
	AppExamplePrompts  []string `json:"appExamplePrompts,omitempty"`
	AppPlaceholder     string   `json:"appPlaceholder,omitempty"`
	Subdomain          string   `json:"subdomain,omitempty"`
	CustomDomain       string   `json:"customDomain,omitempty"`
}

type ChatBotSpec struct {
	Config    ChatBotConfig `json:"config"`
	Plugins   []string      `json:"plugins,omitempty"`
	Functions []string      `json:"functions,omitempty"`
	APIKey    string        `json:"apiKey,omitempty"`
}

// PluginDiscriminator selects the Plugin implementation.
var PluginDiscriminator = &Discriminator{
	Path:   []string{"metadata", "pluginClass"},
	Values: []string{PluginStatic, PluginSQL, PluginAPI},
}

func definitions() []Schema {
	return []Schema{
		{Kind: KindAccount, File: "account.json", decode: decodeInto[AccountSpec]},
		{Kind: KindSecret, File: "secret.json", decode: decodeInto[SecretSpec], rules: []Rule{secretExpiration}},
		{Kind: KindSqlConnection, File: "sqlconnection.json", decode: decodeInto[SqlConnectionSpec], rules: []Rule{sqlConnectionRules}},
		{Kind: KindApiConnection, File: "apiconnection.json", decode: decodeInto[ApiConnectionSpec], rules: []Rule{apiConnectionRules}},
		{Kind: KindPlugin, Variant: PluginStatic, File: "plugin-static.json", decode: decodeInto[PluginSpec], rules: []Rule{pluginSelector}},
		{Kind: KindPlugin, Variant: PluginSQL, File: "plugin-sql.json", decode: decodeInto[PluginSpec], rules: []Rule{pluginSelector, sqlPluginRules}},
		{Kind: KindPlugin, Variant: PluginAPI, File: "plugin-api.json", decode: decodeInto[PluginSpec], rules: []Rule{pluginSelector, apiPluginRules}},
		{Kind: KindChatBot, File: "chatbot.json", decode: decodeInto[ChatBotSpec], rules: []Rule{chatBotRules}},
	}
}
