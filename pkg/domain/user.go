package domain

type User struct {
	ID                 string `json:"id"`
	Email              string `json:"email"`
	DisplayName        string `json:"displayName"`
	PasswordHash       string `json:"passwordHash"`
	SecurityQuestion   string `json:"securityQuestion"`
	SecurityAnswerHash string `json:"securityAnswerHash"`
}

// Public strips the hashes before a record leaves the process.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:               u.ID,
		Email:            u.Email,
		DisplayName:      u.DisplayName,
		SecurityQuestion: u.SecurityQuestion,
	}
}

type PublicUser struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	DisplayName      string `json:"displayName"`
	SecurityQuestion string `json:"securityQuestion"`
}

type ProfileUpdate struct {
	Email            string
	DisplayName      string
	SecurityQuestion string
}
