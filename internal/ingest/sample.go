package ingest

// SampleFAQ is a small built-in FAQ corpus for local runs with an empty
// knowledge base.
func SampleFAQ() []Document {
	entries := []struct{ source, q, a string }{
		{"faq://admissions/requirements", "What are the admission requirements?",
			"Applicants need a completed application form, official transcripts, two letters of recommendation and a personal statement. Some programs also require an entrance exam."},
		{"faq://admissions/apply", "How do I apply for admission?",
			"Apply online through the admissions portal. Create an account, fill in the application form, upload your documents and pay the application fee."},
		{"faq://admissions/international", "What are the requirements for international students?",
			"International applicants must also submit proof of English proficiency, such as TOEFL or IELTS scores, and a copy of their passport."},
		{"faq://programs/list", "Which academic programs and courses are offered?",
			"We offer undergraduate programs in computer science, business, engineering and nursing, plus graduate programs in data science and public health."},
		{"faq://programs/online", "Are online courses available?",
			"Yes. Most undergraduate courses have an online section, and the data science master's program can be completed fully online."},
		{"faq://fees/tuition", "What are the tuition fees for a program?",
			"Undergraduate tuition is 9,500 per semester. Graduate programs cost 12,000 per semester. Lab courses carry an extra materials fee."},
		{"faq://fees/payment", "How can I pay my fees and is there a payment plan?",
			"Fees can be paid by card or bank transfer in the student portal. A monthly payment plan is available for a small setup fee."},
		{"faq://deadlines/application", "What is the application deadline?",
			"The fall semester application deadline is March 1. The spring semester deadline is October 1. Late applications are reviewed if places remain."},
		{"faq://deadlines/schedule", "When does the semester start and what is the exam schedule?",
			"The fall semester starts in early September and the spring semester in late January. Final exams take place during the last two weeks of each semester."},
		{"faq://services/support", "What student services and support are available?",
			"Students have access to academic advising, career services, counseling, tutoring and the library help desk. The student support office is open weekdays from 9 to 5."},
		{"faq://services/housing", "Is student housing available?",
			"On-campus housing is available for first-year students. Apply through the housing portal after you accept your admission offer."},
	}
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, Document{Source: e.source, Question: e.q, Text: "Q: " + e.q + "\nA: " + e.a})
	}
	return docs
}
