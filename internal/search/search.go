package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultReport   ResultType = "lab_report"
	ResultQuestion ResultType = "question"
	ResultSubtopic ResultType = "subtopic"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ReportID   string     `json:"report_id"`
	QuestionID string     `json:"question_id,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterReportID string
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexReport(r ReportRecord) error
	IndexQuestion(q QuestionRecord) error
	IndexSubtopic(s SubtopicRecord) error
	DeleteReport(id string) error
	DeleteQuestion(id string) error
	DeleteSubtopic(id string) error
}

// ReportRecord is the data we index for a lab report.
type ReportRecord struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	Statement string `json:"statement"`
	Authors   string `json:"authors"`
}

// QuestionRecord is the data we index for a question.
type QuestionRecord struct {
	ID        string `json:"id"`
	Number    string `json:"number"`
	Statement string `json:"statement"`
	ReportID  string `json:"report_id"`
}

// SubtopicRecord is the data we index for a subtopic.
type SubtopicRecord struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Procedures        string `json:"procedures"`
	Explanation       string `json:"explanation"`
	Citations         string `json:"citations"`
	FigureDescription string `json:"figure_description"`
	QuestionID        string `json:"question_id"`
	ReportID          string `json:"report_id"`
}
