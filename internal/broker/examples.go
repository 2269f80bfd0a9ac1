package broker

import "smarter/internal/schema"

const exampleAccount = `apiVersion: smarter.sh/v1
kind: Account
metadata:
  name: example_account
  description: Example account
spec:
  accountNumber: 1234-5678-9012
  companyName: Example Inc.
  phoneNumber: +1 617 555 0100
  address1: 1 Main Street
  city: Boston
  country: US
  currency: USD
`

const exampleSecret = `apiVersion: smarter.sh/v1
kind: Secret
metadata:
  name: example_secret
  description: API key for the example connection
  version: 1.0.0
spec:
  value: replace-me
  expirationDate: "2099-12-31"
`

const exampleSqlConnection = `apiVersion: smarter.sh/v1
kind: SqlConnection
metadata:
  name: example_sql_connection
  description: Read-only reporting database
  version: 1.0.0
spec:
  connection:
    dbEngine: postgresql
    hostname: db.example.com
    port: 5432
    database: reporting
    username: reader
    password: example_secret
    timeout: 30
    useSsl: true
`

const exampleApiConnection = `apiVersion: smarter.sh/v1
kind: ApiConnection
metadata:
  name: example_api_connection
  description: Weather service
  version: 1.0.0
spec:
  connection:
    baseUrl: https://api.example.com/v1
    authMethod: token
    apiKey: example_secret
    timeout: 15
`

const examplePluginStatic = `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: example_configuration
  description: Answers questions about the company
  version: 0.1.0
  pluginClass: static
spec:
  selector:
    directive: search_terms
    searchTerms:
      - about
      - history
  prompt:
    provider: openai
    systemRole: You are a helpful assistant.
    model: gpt-4o-mini
    temperature: 0.5
    maxTokens: 256
  data:
    description: Company facts
    staticData:
      founded: 2023
      headquarters: Boston
`

const examplePluginSQL = `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: example_sql_plugin
  description: Looks up orders
  version: 0.1.0
  pluginClass: sql
spec:
  selector:
    directive: search_terms
    searchTerms:
      - order
  prompt:
    provider: openai
    systemRole: You answer questions about orders.
    model: gpt-4o-mini
  data:
    sqlData:
      connection: example_sql_connection
      sqlQuery: SELECT status FROM orders WHERE id = {order_id}
      parameters:
        - name: order_id
          type: integer
          required: true
      testValues:
        - name: order_id
          value: 42
      limit: 10
`

const examplePluginAPI = `apiVersion: smarter.sh/v1
kind: Plugin
metadata:
  name: example_api_plugin
  description: Current weather
  version: 0.1.0
  pluginClass: api
spec:
  selector:
    directive: search_terms
    searchTerms:
      - weather
  prompt:
    provider: openai
    systemRole: You report the weather.
    model: gpt-4o-mini
  data:
    apiData:
      connection: example_api_connection
      endpoint: /weather/{city}
      method: GET
      parameters:
        - name: city
          type: string
          required: true
      testValues:
        - name: city
          value: Boston
`

const exampleChatBot = `apiVersion: smarter.sh/v1
kind: ChatBot
metadata:
  name: example_chatbot
  description: Customer support assistant
  version: 0.1.0
spec:
  config:
    provider: openai
    defaultModel: gpt-4o-mini
    defaultTemperature: 0.5
    defaultMaxTokens: 512
    appName: Example Support
    appAssistant: Sam
    appWelcomeMessage: Hi, how can I help?
    appExamplePrompts:
      - When were you founded?
    subdomain: support
  plugins:
    - example_configuration
  functions:
    - get_current_weather
  apiKey: example_secret
`

var pluginExamples = map[string]string{
	schema.PluginStatic: examplePluginStatic,
	schema.PluginSQL:    examplePluginSQL,
	schema.PluginAPI:    examplePluginAPI,
}
