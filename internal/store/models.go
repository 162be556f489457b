package store

import "time"

type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type Report struct {
	ID        string
	Number    string
	Statement string
	Authors   string
	CreatedBy string
	CreatedAt time.Time
}

type Question struct {
	ID        string
	ReportID  string
	Number    string
	Statement string
	CreatedAt time.Time
}

type Subtopic struct {
	ID                string
	QuestionID        string
	Title             string
	Procedures        string
	Explanation       string
	Citations         string
	ImageURL          string
	FigureDescription string
	CreatedAt         time.Time
}
