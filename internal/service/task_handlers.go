package service

// RegisterTaskHandlers binds every background task type to its handler.
func RegisterTaskHandlers(q TaskQueue, replies *ReplyService, completion *CompletionService, certificates *CertificateService) {
	q.Register(TaskGenerateReply, replies.HandleReplyTask)
	q.Register(TaskGenerateReport, completion.HandleReportTask)
	q.Register(TaskIssueCertificate, certificates.HandleIssueTask)
	q.Register(TaskCertificateIssued, certificates.HandleIssuedTask)
}
