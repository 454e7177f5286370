package domain

// Student identifies a student as provided by the user subsystem.
// StudentID doubles as the login account on the meister portal.
// Grade 0 means the student has graduated.
type Student struct {
	StudentID string `json:"student_id"`
	Grade     int    `json:"grade"`
	ClassNo   int    `json:"class_no"`
	StudentNo int    `json:"student_no"`
	Name      string `json:"name"`
}

// Active reports whether the student is still enrolled.
func (s Student) Active() bool {
	return s.Grade != 0
}

// StudentRef is the identity subset exposed on ranking entries.
type StudentRef struct {
	Grade     int    `json:"grade"`
	ClassNo   int    `json:"class_no"`
	StudentNo int    `json:"student_no"`
	Name      string `json:"name"`
}

// Ref returns the ranking-facing identity of the student.
func (s Student) Ref() StudentRef {
	return StudentRef{
		Grade:     s.Grade,
		ClassNo:   s.ClassNo,
		StudentNo: s.StudentNo,
		Name:      s.Name,
	}
}
